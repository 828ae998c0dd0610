// Package auth resolves API keys to tenants. Keys come from two places:
// environment pairs for static deployments, and the api_keys table (bcrypt
// hashes) for keys provisioned at runtime. Environment keys win on conflict.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"whatsapp-relay/internal/db"
)

var ErrInvalidKey = errors.New("invalid API key")

type APIKey struct {
	ID        uuid.UUID  `json:"id"`
	TenantID  string     `json:"tenant_id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

type Service struct {
	db     *db.PostgresDB
	static map[string]string
	logger *zap.Logger
}

// NewService parses the configured key list. Entries are "key" or
// "key:tenant"; a bare key maps to defaultTenant.
func NewService(database *db.PostgresDB, keys []string, defaultTenant string, logger *zap.Logger) *Service {
	static := make(map[string]string, len(keys))
	for _, entry := range keys {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, tenant, found := strings.Cut(entry, ":")
		if !found || tenant == "" {
			tenant = defaultTenant
		}
		static[key] = tenant
	}

	return &Service{db: database, static: static, logger: logger}
}

// CreateKey provisions a runtime key for a tenant, returning the stored row.
// The plaintext key is never persisted.
func (s *Service) CreateKey(ctx context.Context, tenantID, name, plaintext string) (*APIKey, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash API key: %w", err)
	}

	key := &APIKey{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Name:      name,
		KeyHash:   string(hash),
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO api_keys
			(id, tenant_id, name, key_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		key.ID, key.TenantID, key.Name, key.KeyHash, key.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert API key: %w", err)
	}

	s.logger.Info("API key created",
		zap.String("tenant_id", tenantID), zap.String("name", name))
	return key, nil
}

// Authenticate maps a presented key to its tenant, or ErrInvalidKey.
func (s *Service) Authenticate(ctx context.Context, presented string) (string, error) {
	if presented == "" {
		return "", ErrInvalidKey
	}
	if tenant, ok := s.static[presented]; ok {
		return tenant, nil
	}
	if s.db == nil {
		return "", ErrInvalidKey
	}

	// bcrypt hashes are not searchable; candidate rows are scanned. The
	// table holds a handful of keys per deployment, not per request load.
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, key_hash FROM api_keys WHERE revoked_at IS NULL`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidKey
		}
		return "", fmt.Errorf("load API keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tenant, hash string
		if err := rows.Scan(&tenant, &hash); err != nil {
			return "", fmt.Errorf("scan API key: %w", err)
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(presented)) == nil {
			return tenant, nil
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return "", ErrInvalidKey
}

// RequireAPIKey authenticates X-API-Key and stashes the tenant in locals.
func (s *Service) RequireAPIKey() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tenant, err := s.Authenticate(c.UserContext(), c.Get("X-API-Key"))
		if err != nil {
			if !errors.Is(err, ErrInvalidKey) {
				s.logger.Error("authentication backend error", zap.Error(err))
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
					"error": "authentication unavailable",
				})
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing or invalid API key",
			})
		}
		c.Locals("tenant_id", tenant)
		return c.Next()
	}
}

// TenantFromContext returns the tenant set by RequireAPIKey.
func TenantFromContext(c *fiber.Ctx) (string, error) {
	tenant, ok := c.Locals("tenant_id").(string)
	if !ok || tenant == "" {
		return "", errors.New("tenant not found in request context")
	}
	return tenant, nil
}
