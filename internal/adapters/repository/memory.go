package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/poyrazK/quotagate/internal/core/domain"
)

// MemoryRepository implements ports.Repository in process memory. It backs
// single-instance deployments without DATABASE_URL and the service tests.
type MemoryRepository struct {
	mu     sync.RWMutex
	users  map[string]domain.User
	keys   map[string]domain.APIKey
	byHash map[string]string
	usage  []domain.UsageRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:  make(map[string]domain.User),
		keys:   make(map[string]domain.APIKey),
		byHash: make(map[string]string),
	}
}

func (r *MemoryRepository) Ping(_ context.Context) error { return nil }

func (r *MemoryRepository) CreateUser(_ context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Email, user.Email) {
			return domain.NewConflictError("email already registered")
		}
	}
	r.users[user.ID] = *user
	return nil
}

func (r *MemoryRepository) GetUser(_ context.Context, id string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (r *MemoryRepository) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Email, email) {
			return &u, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) UpdateUserPlan(_ context.Context, id string, plan domain.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return domain.NewNotFoundError("user")
	}
	u.Plan = plan
	u.UpdatedAt = time.Now()
	r.users[id] = u
	return nil
}

func copyKey(k domain.APIKey) domain.APIKey {
	k.Permissions = append([]domain.Permission(nil), k.Permissions...)
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		k.LastUsedAt = &t
	}
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		k.ExpiresAt = &t
	}
	return k
}

func (r *MemoryRepository) insertKeyLocked(key *domain.APIKey) error {
	if _, exists := r.byHash[key.KeyHash]; exists {
		return domain.NewConflictError("API key hash already exists")
	}
	r.keys[key.ID] = copyKey(*key)
	r.byHash[key.KeyHash] = key.ID
	return nil
}

func (r *MemoryRepository) CreateAPIKey(_ context.Context, key *domain.APIKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertKeyLocked(key)
}

func (r *MemoryRepository) CreateAPIKeyWithinLimit(_ context.Context, key *domain.APIKey, maxActive int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if maxActive >= 0 && r.countActiveLocked(key.UserID) >= maxActive {
		return domain.ErrKeyLimitReached
	}
	return r.insertKeyLocked(key)
}

func (r *MemoryRepository) GetAPIKey(_ context.Context, id string) (*domain.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[id]
	if !ok {
		return nil, nil
	}
	k = copyKey(k)
	return &k, nil
}

func (r *MemoryRepository) GetAPIKeyByHash(_ context.Context, keyHash string) (*domain.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byHash[keyHash]
	if !ok {
		return nil, nil
	}
	k := copyKey(r.keys[id])
	return &k, nil
}

func (r *MemoryRepository) ListAPIKeys(_ context.Context, userID string) ([]domain.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.APIKey
	for _, k := range r.keys {
		if k.UserID == userID {
			out = append(out, copyKey(k))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) CountActiveAPIKeys(_ context.Context, userID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countActiveLocked(userID), nil
}

func (r *MemoryRepository) countActiveLocked(userID string) int {
	n := 0
	for _, k := range r.keys {
		if k.UserID == userID && k.Active {
			n++
		}
	}
	return n
}

func (r *MemoryRepository) DeactivateAPIKey(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deactivateLocked(id)
}

func (r *MemoryRepository) deactivateLocked(id string) error {
	k, ok := r.keys[id]
	if !ok {
		return domain.NewNotFoundError("API key")
	}
	k.Active = false
	k.UpdatedAt = time.Now()
	r.keys[id] = k
	return nil
}

func (r *MemoryRepository) RotateAPIKey(_ context.Context, oldID string, replacement *domain.APIKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.keys[oldID]
	if !ok {
		return domain.NewNotFoundError("API key")
	}
	if !old.Active {
		return domain.NewConflictError("API key was revoked concurrently")
	}
	if _, exists := r.byHash[replacement.KeyHash]; exists {
		return domain.NewConflictError("API key hash already exists")
	}
	if err := r.deactivateLocked(oldID); err != nil {
		return err
	}
	return r.insertKeyLocked(replacement)
}

func (r *MemoryRepository) DeleteAPIKey(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[id]
	if !ok {
		return domain.NewNotFoundError("API key")
	}
	delete(r.byHash, k.KeyHash)
	delete(r.keys, id)

	kept := r.usage[:0]
	for _, rec := range r.usage {
		if rec.APIKeyID != id {
			kept = append(kept, rec)
		}
	}
	r.usage = kept
	return nil
}

func (r *MemoryRepository) UpdateAPIKeyLastUsed(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[id]
	if !ok {
		return domain.NewNotFoundError("API key")
	}
	k.LastUsedAt = &at
	r.keys[id] = k
	return nil
}

func (r *MemoryRepository) CreateUsageRecord(_ context.Context, rec *domain.UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage = append(r.usage, *rec)
	return nil
}

// forKey returns a snapshot of the records of one key. Caller must hold r.mu.
func (r *MemoryRepository) forKey(apiKeyID string) []domain.UsageRecord {
	var out []domain.UsageRecord
	for _, rec := range r.usage {
		if rec.APIKeyID == apiKeyID {
			out = append(out, rec)
		}
	}
	return out
}

func (r *MemoryRepository) CountUsage(_ context.Context, apiKeyID string, since time.Time) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, rec := range r.forKey(apiKeyID) {
		if since.IsZero() || !rec.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) CountUsageErrors(_ context.Context, apiKeyID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, rec := range r.forKey(apiKeyID) {
		if rec.IsError() {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) LastUsage(_ context.Context, apiKeyID string) (*time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var last *time.Time
	for _, rec := range r.forKey(apiKeyID) {
		if last == nil || rec.Timestamp.After(*last) {
			ts := rec.Timestamp
			last = &ts
		}
	}
	return last, nil
}

func (r *MemoryRepository) AverageLatency(_ context.Context, apiKeyID string) (float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	recs := r.forKey(apiKeyID)
	if len(recs) == 0 {
		return 0, nil
	}
	var sum int64
	for _, rec := range recs {
		sum += rec.ResponseTimeMs
	}
	return float64(sum) / float64(len(recs)), nil
}

func (r *MemoryRepository) TopEndpoints(_ context.Context, apiKeyID string, limit int) ([]domain.EndpointStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type agg struct {
		stats   domain.EndpointStats
		latency int64
	}
	groups := make(map[string]*agg)
	for _, rec := range r.forKey(apiKeyID) {
		k := rec.Method + " " + rec.Endpoint
		g, ok := groups[k]
		if !ok {
			g = &agg{stats: domain.EndpointStats{Endpoint: rec.Endpoint, Method: rec.Method}}
			groups[k] = g
		}
		g.stats.Count++
		g.latency += rec.ResponseTimeMs
		if rec.IsError() {
			g.stats.ErrorCount++
		}
	}

	out := make([]domain.EndpointStats, 0, len(groups))
	for _, g := range groups {
		g.stats.AverageLatency = float64(g.latency) / float64(g.stats.Count)
		out = append(out, g.stats)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].Endpoint != out[j].Endpoint {
			return out[i].Endpoint < out[j].Endpoint
		}
		return out[i].Method < out[j].Method
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) StatusCodeDistribution(_ context.Context, apiKeyID string) (map[int]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int]int64)
	for _, rec := range r.forKey(apiKeyID) {
		out[rec.StatusCode]++
	}
	return out, nil
}

func (r *MemoryRepository) DailyUsage(_ context.Context, apiKeyID string, since time.Time) ([]domain.DailyUsage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type agg struct {
		requests, errors, latency int64
	}
	days := make(map[string]*agg)
	for _, rec := range r.forKey(apiKeyID) {
		if rec.Timestamp.Before(since) {
			continue
		}
		d := rec.Timestamp.UTC().Format("2006-01-02")
		a, ok := days[d]
		if !ok {
			a = &agg{}
			days[d] = a
		}
		a.requests++
		a.latency += rec.ResponseTimeMs
		if rec.IsError() {
			a.errors++
		}
	}

	out := make([]domain.DailyUsage, 0, len(days))
	for d, a := range days {
		out = append(out, domain.DailyUsage{
			Date:           d,
			Requests:       a.requests,
			Errors:         a.errors,
			AverageLatency: float64(a.latency) / float64(a.requests),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (r *MemoryRepository) DeleteUsageBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.usage[:0]
	var deleted int64
	for _, rec := range r.usage {
		if rec.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	r.usage = kept
	return deleted, nil
}
