package auth

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func TestAuthenticateStaticKeys(t *testing.T) {
	svc := NewService(nil, []string{"alpha-key:acme", "bare-key", " spaced-key:globex "}, "default", zap.NewNop())

	tests := []struct {
		name       string
		key        string
		wantTenant string
		wantErr    bool
	}{
		{"key with tenant", "alpha-key", "acme", false},
		{"bare key maps to default tenant", "bare-key", "default", false},
		{"whitespace trimmed", "spaced-key", "globex", false},
		{"unknown key", "nope", "", true},
		{"empty key", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tenant, err := svc.Authenticate(context.Background(), tt.key)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidKey) {
					t.Fatalf("expected ErrInvalidKey, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate() error: %v", err)
			}
			if tenant != tt.wantTenant {
				t.Errorf("tenant = %q, want %q", tenant, tt.wantTenant)
			}
		})
	}
}

func TestNewServiceSkipsEmptyEntries(t *testing.T) {
	svc := NewService(nil, []string{"", "  ", "real-key:acme"}, "default", zap.NewNop())
	if len(svc.static) != 1 {
		t.Errorf("static keys = %d, want 1", len(svc.static))
	}
}
