// Package auth owns provider bindings and serialises token refresh per
// binding.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"ledgerbridge/internal/domain"
	"ledgerbridge/internal/events"
	"ledgerbridge/internal/metrics"
	"ledgerbridge/internal/models"
	"ledgerbridge/internal/provider"
	"ledgerbridge/internal/syncerr"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// ExpirySkew treats tokens this close to expiry as expired.
	ExpirySkew     = time.Minute
	refreshTimeout = 30 * time.Second
)

// Refresher is the slice of provider.Adapter the manager needs.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (models.Token, error)
}

type Manager struct {
	bindings domain.BindingStore
	events   domain.EventPublisher
	logger   *zerolog.Logger
	now      func() time.Time

	group singleflight.Group

	mu         sync.RWMutex
	refreshers map[models.BindingKey]Refresher
}

func NewManager(bindings domain.BindingStore, publisher domain.EventPublisher, logger *zerolog.Logger) *Manager {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "auth").Logger()
	return &Manager{
		bindings:   bindings,
		events:     publisher,
		logger:     &l,
		now:        time.Now,
		refreshers: make(map[models.BindingKey]Refresher),
	}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Attach registers the adapter used to refresh tokens for key.
func (m *Manager) Attach(key models.BindingKey, r Refresher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshers[key] = r
}

func (m *Manager) refresher(key models.BindingKey) (Refresher, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.refreshers[key]
	return r, ok
}

// Source returns a token source bound to key for handing to adapters.
func (m *Manager) Source(key models.BindingKey) provider.TokenSource {
	return provider.TokenSourceFunc(func(ctx context.Context) (models.Token, error) {
		return m.Token(ctx, key)
	})
}

// Seed creates the binding from configured credentials unless one exists.
// Stored tokens win over configured ones because they may have been
// rotated since.
func (m *Manager) Seed(ctx context.Context, cfg models.ProviderConfig) (*models.ProviderBinding, error) {
	key := models.BindingKey{Provider: cfg.Provider, TenantID: cfg.TenantID}
	existing, err := m.bindings.GetBinding(ctx, key)
	switch {
	case err == nil:
		if existing.ClientID == cfg.ClientID && existing.BaseURL == cfg.BaseURL {
			return existing, nil
		}
		existing.ClientID = cfg.ClientID
		existing.ClientSecret = cfg.ClientSecret
		existing.BaseURL = cfg.BaseURL
		if err := m.bindings.SaveBinding(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	case !errors.Is(err, syncerr.ErrNotFound):
		return nil, err
	}

	b := &models.ProviderBinding{
		Provider:     cfg.Provider,
		TenantID:     cfg.TenantID,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		AccessToken:  cfg.AccessToken,
		RefreshToken: cfg.RefreshToken,
		BaseURL:      cfg.BaseURL,
		Active:       cfg.AccessToken != "" || cfg.RefreshToken != "",
	}
	if b.Active && cfg.AccessToken == "" {
		// Only a refresh token: force a refresh on first use.
		b.ExpiresAt = time.Unix(1, 0)
	}
	if err := m.bindings.SaveBinding(ctx, b); err != nil {
		return nil, err
	}
	m.logger.Info().Str("binding", key.String()).Bool("active", b.Active).Msg("Seeded provider binding")
	return b, nil
}

// Authorize exchanges an OAuth code and activates the binding.
func (m *Manager) Authorize(ctx context.Context, key models.BindingKey, adapter provider.Adapter, cfg models.ProviderConfig, code string) (*models.ProviderBinding, error) {
	tok, err := adapter.ExchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if key.TenantID == "" {
		key.TenantID = tok.TenantID
	}

	b, err := m.bindings.GetBinding(ctx, key)
	if err != nil {
		if !errors.Is(err, syncerr.ErrNotFound) {
			return nil, err
		}
		b = &models.ProviderBinding{Provider: key.Provider, TenantID: key.TenantID}
	}
	b.ClientID = cfg.ClientID
	b.ClientSecret = cfg.ClientSecret
	b.BaseURL = cfg.BaseURL
	b.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		b.RefreshToken = tok.RefreshToken
	}
	b.ExpiresAt = tok.Expiry
	b.Active = true
	if err := m.bindings.SaveBinding(ctx, b); err != nil {
		return nil, err
	}
	m.logger.Info().Str("binding", key.String()).Msg("Provider binding authorized")
	return b, nil
}

// Token returns a usable token for key, refreshing it first when it is
// expired or about to expire.
func (m *Manager) Token(ctx context.Context, key models.BindingKey) (models.Token, error) {
	b, err := m.bindings.GetBinding(ctx, key)
	if err != nil {
		if errors.Is(err, syncerr.ErrNotFound) {
			return models.Token{}, syncerr.New(syncerr.ErrAuth, "token", "no binding for "+key.String())
		}
		return models.Token{}, err
	}
	if !b.Active {
		return models.Token{}, syncerr.New(syncerr.ErrAuth, "token", "binding "+key.String()+" is inactive")
	}
	tok := b.Token()
	if tok.Expired(m.now(), ExpirySkew) && tok.RefreshToken != "" {
		return m.Refresh(ctx, key, tok.AccessToken)
	}
	return tok, nil
}

// Refresh obtains a new token for key. Concurrent callers share one
// vendor call. A caller whose stale token was already replaced gets the
// current token without another refresh. Any refresh failure is a
// permanent ErrAuth.
func (m *Manager) Refresh(ctx context.Context, key models.BindingKey, stale string) (models.Token, error) {
	ch := m.group.DoChan(key.String(), func() (interface{}, error) {
		// Detached so one caller's cancellation does not fail the others.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return m.refresh(rctx, key, stale)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return models.Token{}, res.Err
		}
		return res.Val.(models.Token), nil
	case <-ctx.Done():
		return models.Token{}, ctx.Err()
	}
}

func (m *Manager) refresh(ctx context.Context, key models.BindingKey, stale string) (models.Token, error) {
	b, err := m.bindings.GetBinding(ctx, key)
	if err != nil {
		return models.Token{}, syncerr.Wrap(syncerr.ErrAuth, "refresh", err).WithProvider(key.Provider)
	}
	if !b.Active {
		return models.Token{}, syncerr.New(syncerr.ErrAuth, "refresh", "binding is inactive").WithProvider(key.Provider)
	}
	current := b.Token()
	if stale != "" && current.AccessToken != stale && !current.Expired(m.now(), ExpirySkew) {
		return current, nil
	}

	r, ok := m.refresher(key)
	if !ok {
		return models.Token{}, syncerr.New(syncerr.ErrAuth, "refresh", "no adapter attached").WithProvider(key.Provider)
	}

	tok, err := r.RefreshToken(ctx, current.RefreshToken)
	if err != nil {
		metrics.IncTokenRefresh(key.Provider, false)
		m.logger.Error().Err(err).Str("binding", key.String()).Msg("Token refresh failed")
		m.publish(events.EventAuthFailed, events.AuthEventPayload{
			Provider: key.Provider, TenantID: key.TenantID, Error: err.Error(),
		})
		if syncerr.Kind(err) == syncerr.ErrAuth {
			return models.Token{}, err
		}
		return models.Token{}, syncerr.Wrap(syncerr.ErrAuth, "refresh", err).WithProvider(key.Provider)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = current.RefreshToken
	}
	tok.TenantID = key.TenantID
	if err := m.bindings.UpdateBindingToken(ctx, key, tok); err != nil {
		return models.Token{}, err
	}

	metrics.IncTokenRefresh(key.Provider, true)
	m.logger.Info().Str("binding", key.String()).Time("expires_at", tok.Expiry).Msg("Token refreshed")
	m.publish(events.EventTokenRefreshed, events.AuthEventPayload{Provider: key.Provider, TenantID: key.TenantID})
	return tok, nil
}

func (m *Manager) publish(eventType string, payload events.AuthEventPayload) {
	if m.events == nil {
		return
	}
	if err := m.events.PublishJSON(eventType, payload); err != nil {
		m.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to publish event")
	}
}

// Revoke revokes at the vendor when supported, then deactivates the
// binding. The binding row is kept.
func (m *Manager) Revoke(ctx context.Context, key models.BindingKey, adapter provider.Adapter) error {
	if adapter != nil {
		if err := adapter.RevokeAuth(ctx); err != nil && syncerr.Kind(err) != syncerr.ErrNotSupported {
			m.logger.Warn().Err(err).Str("binding", key.String()).Msg("Vendor revoke failed, deactivating anyway")
		}
	}
	return m.bindings.DeactivateBinding(ctx, key)
}

func (m *Manager) Binding(ctx context.Context, key models.BindingKey) (*models.ProviderBinding, error) {
	return m.bindings.GetBinding(ctx, key)
}
