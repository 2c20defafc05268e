package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/SoulEchoPlan/soul-echo-sub000/internal/logger"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/metrics"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/models"
)

const (
	DefaultAdvanceWindow   = 5 * time.Minute
	DefaultRefreshInterval = 20 * time.Hour
	DefaultInitialDelay    = time.Hour
)

var (
	// ErrNoCredential is returned when no valid credential can be produced.
	ErrNoCredential = errors.New("no valid credential available")
	// ErrShortLived is returned when the issuer hands out a credential that
	// already falls inside the advance window.
	ErrShortLived = errors.New("issued credential expires inside the advance window")
)

// Issuer performs the network call that mints a new credential.
type Issuer interface {
	Issue(ctx context.Context, accessKeyID, accessKeySecret string) (models.Credential, error)
}

// Cache serves one rotating credential to concurrent callers.
type Cache struct {
	issuer        Issuer
	keyID         string
	keySecret     string
	advanceWindow time.Duration
	now           func() time.Time
	value         guardedValue[models.Credential]
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

func WithAdvanceWindow(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.advanceWindow = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// NewCache builds the cache and performs the mandatory initial issuance.
// An error here means the process must not start.
func NewCache(ctx context.Context, issuer Issuer, accessKeyID, accessKeySecret string, opts ...Option) (*Cache, error) {
	if issuer == nil {
		return nil, errors.New("credential issuer required")
	}
	if accessKeyID == "" || accessKeySecret == "" {
		return nil, errors.New("credential access key pair required")
	}
	c := &Cache{
		issuer:        issuer,
		keyID:         accessKeyID,
		keySecret:     accessKeySecret,
		advanceWindow: DefaultAdvanceWindow,
		now:           time.Now,
		logger:        logger.WithComponent("token-cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if _, err := c.refresh(ctx, "startup", true); err != nil {
		return nil, fmt.Errorf("initial credential issuance: %w", err)
	}
	return c, nil
}

// GetValidToken returns a credential valid for at least the advance window,
// refreshing synchronously when the cached one is missing or about to expire.
func (c *Cache) GetValidToken(ctx context.Context) (models.Credential, error) {
	if cred, ok := c.value.readIfValid(c.fresh); ok {
		return cred, nil
	}
	cred, err := c.refresh(ctx, "lazy", false)
	if err != nil {
		return models.Credential{}, fmt.Errorf("%w: %v", ErrNoCredential, err)
	}
	return cred, nil
}

// ForceRefresh replaces the credential regardless of its validity.
func (c *Cache) ForceRefresh(ctx context.Context) (models.Credential, error) {
	return c.refresh(ctx, "forced", true)
}

// ScheduledRefresh proactively replaces the credential. Failures are logged
// only; GetValidToken refreshes lazily if the credential runs out.
func (c *Cache) ScheduledRefresh(ctx context.Context) {
	cred, err := c.refresh(ctx, "scheduled", true)
	if err != nil {
		c.logger.Error("scheduled credential refresh failed", "error", err)
		return
	}
	c.logger.Info("scheduled credential refresh done", "expires_at", cred.ExpiresAt)
}

// Run calls ScheduledRefresh after initialDelay and then every interval
// until ctx is done.
func (c *Cache) Run(ctx context.Context, initialDelay, interval time.Duration) {
	if initialDelay <= 0 {
		initialDelay = DefaultInitialDelay
	}
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	timer := time.NewTimer(initialDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		c.ScheduledRefresh(ctx)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ScheduledRefresh(ctx)
		}
	}
}

// ExpiresAt reports the expiry of the cached credential without refreshing.
func (c *Cache) ExpiresAt() (time.Time, bool) {
	cred, ok := c.value.peek()
	return cred.ExpiresAt, ok
}

func (c *Cache) fresh(cred models.Credential) bool {
	return cred.ValidFor(c.now(), c.advanceWindow)
}

// refresh issues a new credential under the exclusive section. Unless force
// is set, a credential made fresh by a concurrent caller is reused.
func (c *Cache) refresh(ctx context.Context, trigger string, force bool) (models.Credential, error) {
	return c.value.writeExclusive(func(cur *models.Credential) (models.Credential, bool, error) {
		if !force && cur != nil && c.fresh(*cur) {
			return models.Credential{}, false, nil
		}
		cred, err := c.issuer.Issue(ctx, c.keyID, c.keySecret)
		if err == nil && !c.fresh(cred) {
			err = fmt.Errorf("%w: expires at %s", ErrShortLived, cred.ExpiresAt.Format(time.RFC3339))
		}
		c.metrics.TokenRefresh(trigger, err)
		if err != nil {
			return models.Credential{}, false, err
		}
		c.logger.Debug("credential refreshed", "trigger", trigger, "expires_at", cred.ExpiresAt)
		return cred, true, nil
	})
}
