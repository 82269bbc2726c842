package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/poyrazK/quotagate/internal/core/domain"
)

func TestMockRepo_GetAPIKeyByHash(t *testing.T) {
	m := new(MockRepo)
	m.On("GetAPIKeyByHash", "h1").Return(&domain.APIKey{ID: "k1"}, nil)
	m.On("GetAPIKeyByHash", "missing").Return(nil, nil)

	k, _ := m.GetAPIKeyByHash(context.Background(), "h1")
	if k == nil || k.ID != "k1" {
		t.Errorf("unexpected key %+v", k)
	}
	k, _ = m.GetAPIKeyByHash(context.Background(), "missing")
	if k != nil {
		t.Errorf("expected nil key")
	}
	m.AssertExpectations(t)
}

func TestMockRepo_CountUsage(t *testing.T) {
	m := new(MockRepo)
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.On("CountUsage", "k1", since).Return(int64(5), nil)

	n, err := m.CountUsage(context.Background(), "k1", since)
	if err != nil || n != 5 {
		t.Errorf("expected 5, got %d (%v)", n, err)
	}
}

func TestMockStore_IncrementAndExpire(t *testing.T) {
	m := new(MockStore)
	m.On("IncrementAndExpire", "id", domain.WindowDaily, time.Hour).Return(domain.Counter{Count: 3}, nil)

	c, err := m.IncrementAndExpire(context.Background(), "id", domain.WindowDaily, time.Hour)
	if err != nil || c.Count != 3 {
		t.Errorf("unexpected counter %+v (%v)", c, err)
	}
}
