package domain

import (
	"strings"
	"testing"
	"time"
)

func TestValidateKeyName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"ci-deploy-key", false},
		{"abc", false},
		{"ab", true},
		{"", true},
		{"   ", true},
		{strings.Repeat("k", 100), false},
		{strings.Repeat("k", 101), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateKeyName(tt.name); (err != nil) != tt.wantErr {
				t.Errorf("ValidateKeyName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
		})
	}
}

func TestNormalizePermissions(t *testing.T) {
	t.Run("Default", func(t *testing.T) {
		got, err := NormalizePermissions(nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if JoinPermissions(got) != "read,write" {
			t.Errorf("expected default read,write, got %v", got)
		}
	})

	t.Run("DedupKeepsOrder", func(t *testing.T) {
		got, err := NormalizePermissions([]Permission{PermDelete, PermRead, PermDelete})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if JoinPermissions(got) != "delete,read" {
			t.Errorf("got %v", got)
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		if _, err := NormalizePermissions([]Permission{PermRead, "superuser"}); err == nil {
			t.Errorf("expected error for unknown permission")
		}
	})

	t.Run("DefaultIsACopy", func(t *testing.T) {
		got, _ := NormalizePermissions(nil)
		got[0] = PermAdmin
		if DefaultPermissions[0] != PermRead {
			t.Errorf("DefaultPermissions was mutated")
		}
	})
}

func TestValidateExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Hour)

	if err := ValidateExpiry(nil, now); err != nil {
		t.Errorf("nil expiry should be valid: %v", err)
	}
	if err := ValidateExpiry(&future, now); err != nil {
		t.Errorf("future expiry should be valid: %v", err)
	}
	if err := ValidateExpiry(&past, now); err == nil {
		t.Errorf("past expiry should be rejected")
	}
	if err := ValidateExpiry(&now, now); err == nil {
		t.Errorf("expiry equal to now should be rejected")
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		password string
		wantErr  bool
	}{
		{"Str0ng!pass", false},
		{"Sh0rt!", true},
		{"alllowercase1!", true},
		{"ALLUPPERCASE1!", true},
		{"NoDigits!!", true},
		{"NoSpecial123", true},
	}

	for _, tt := range tests {
		t.Run(tt.password, func(t *testing.T) {
			if err := ValidatePassword(tt.password); (err != nil) != tt.wantErr {
				t.Errorf("ValidatePassword(%q) error = %v, wantErr %v", tt.password, err, tt.wantErr)
			}
		})
	}
}

func TestValidateEmail(t *testing.T) {
	if err := ValidateEmail("dev@example.com"); err != nil {
		t.Errorf("expected valid email: %v", err)
	}
	for _, bad := range []string{"", "dev", "dev@", "dev@example", "a b@example.com"} {
		if err := ValidateEmail(bad); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestPermissionsRoundTrip(t *testing.T) {
	perms := ParsePermissions("read, write,admin")
	if len(perms) != 3 || perms[1] != PermWrite {
		t.Fatalf("unexpected parse result: %v", perms)
	}
	if ParsePermissions("") != nil {
		t.Errorf("empty string should parse to nil")
	}
}

func TestAPIKeyHasPermission(t *testing.T) {
	k := &APIKey{Permissions: []Permission{PermRead}}
	if !k.HasPermission(PermRead) || k.HasPermission(PermWrite) {
		t.Errorf("unexpected permission check for %v", k.Permissions)
	}
	admin := &APIKey{Permissions: []Permission{PermAdmin}}
	if !admin.HasPermission(PermDelete) {
		t.Errorf("admin should imply delete")
	}
}
