package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/bcrypt"

	"toeicprep/internal/types"
)

const adminKeyCost = 12

// AdminGuardConfig holds the brute force thresholds for the admin key.
type AdminGuardConfig struct {
	// FailureThreshold is the number of bad keys from one IP within Window
	// after which that IP is refused without checking the key.
	FailureThreshold int
	Window           time.Duration
	// TrackedIPs bounds the failure table.
	TrackedIPs int
}

// DefaultAdminGuardConfig returns 5 failures per 15 minutes.
func DefaultAdminGuardConfig() AdminGuardConfig {
	return AdminGuardConfig{
		FailureThreshold: 5,
		Window:           15 * time.Minute,
		TrackedIPs:       4096,
	}
}

// AdminGuard checks the operator key against a bcrypt hash and throttles
// repeated failures per client IP.
type AdminGuard struct {
	hash     []byte
	cfg      AdminGuardConfig
	failures *expirable.LRU[string, int]
	logger   *slog.Logger
}

// NewAdminGuard creates an AdminGuard. An empty hash disables admin access.
func NewAdminGuard(hash string, cfg AdminGuardConfig, logger *slog.Logger) *AdminGuard {
	if cfg.FailureThreshold <= 0 || cfg.Window <= 0 {
		cfg = DefaultAdminGuardConfig()
	}
	if cfg.TrackedIPs <= 0 {
		cfg.TrackedIPs = 4096
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminGuard{
		hash:     []byte(hash),
		cfg:      cfg,
		failures: expirable.NewLRU[string, int](cfg.TrackedIPs, nil, cfg.Window),
		logger:   logger,
	}
}

// Enabled reports whether an admin key hash is configured.
func (g *AdminGuard) Enabled() bool {
	return len(g.hash) > 0
}

// Verify returns nil when key matches the configured hash.
func (g *AdminGuard) Verify(ctx context.Context, key, ip string) error {
	if !g.Enabled() {
		return types.NewAppError(types.ErrCodePermissionAdmin, "admin access is not configured", nil)
	}
	if n, ok := g.failures.Get(ip); ok && n >= g.cfg.FailureThreshold {
		g.logger.WarnContext(ctx, "admin key attempts blocked", "ip", ip, "failures", n)
		return types.NewAppErrorWithDetails(types.ErrCodePermissionAdmin, "too many failed admin attempts", nil,
			map[string]any{"reason": "too_many_attempts"})
	}
	if key == "" {
		return types.NewAppError(types.ErrCodeAuthTokenMissing, "admin key is required", nil)
	}
	if err := bcrypt.CompareHashAndPassword(g.hash, []byte(key)); err != nil {
		n, _ := g.failures.Get(ip)
		g.failures.Add(ip, n+1)
		g.logger.WarnContext(ctx, "admin key rejected", "ip", ip, "failures", n+1)
		return types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid admin key", nil)
	}
	g.failures.Remove(ip)
	return nil
}

// HashAdminKey produces the value for ADMIN_API_KEY_HASH.
func HashAdminKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), adminKeyCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
