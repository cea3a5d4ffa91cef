package provider

import (
	"context"
	"testing"

	"ledgerbridge/internal/models"
	"ledgerbridge/internal/syncerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type customersOnly struct {
	Unsupported
}

func (customersOnly) Info() Info {
	return Info{Name: "mini", Capabilities: []Capability{CapAuth, EntityCapability(models.EntityCustomer)}}
}

func (customersOnly) Get(_ context.Context, t models.EntityType, id string) (models.Entity, error) {
	return &models.Customer{Base: models.Base{ID: id}, Name: "Acme"}, nil
}

func TestUnsupportedFailsWithNotSupported(t *testing.T) {
	var a Adapter = customersOnly{Unsupported{Name: "mini"}}
	ctx := context.Background()

	got, err := a.Get(ctx, models.EntityCustomer, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ExternalID())

	_, err = a.Create(ctx, &models.Invoice{}, "key")
	assert.ErrorIs(t, err, syncerr.ErrNotSupported)
	assert.Contains(t, err.Error(), "mini")
	assert.Contains(t, err.Error(), "create invoice")

	_, err = a.Create(ctx, nil, "")
	assert.ErrorIs(t, err, syncerr.ErrNotSupported)

	_, err = a.StartExport(ctx, models.ExportRequest{})
	assert.ErrorIs(t, err, syncerr.ErrNotSupported)
	assert.False(t, syncerr.IsRetryable(err))

	assert.False(t, a.VerifyWebhook([]byte("x"), "sig", "secret"))
}

func TestInfoSupports(t *testing.T) {
	info := customersOnly{}.Info()
	assert.True(t, info.Supports(CapAuth))
	assert.True(t, info.SupportsEntity(models.EntityCustomer))
	assert.False(t, info.SupportsEntity(models.EntityInvoice))
	assert.False(t, info.Supports(CapExport))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	factory := func(cfg models.ProviderConfig, _ TokenSource) (Adapter, error) {
		return customersOnly{Unsupported{Name: cfg.Provider}}, nil
	}

	require.NoError(t, r.Register("sage", factory))
	require.NoError(t, r.Register("fortnox", factory))
	assert.Error(t, r.Register("", factory))
	assert.Error(t, r.Register("xero", nil))

	assert.Equal(t, []string{"fortnox", "sage"}, r.Names())

	f, ok := r.Lookup("sage")
	require.True(t, ok)
	a, err := f(models.ProviderConfig{Provider: "sage"}, StaticToken(models.Token{AccessToken: "t"}))
	require.NoError(t, err)
	assert.Equal(t, "mini", a.Info().Name)

	_, ok = r.Lookup("xero")
	assert.False(t, ok)
}

func TestStaticToken(t *testing.T) {
	tok, err := StaticToken(models.Token{AccessToken: "abc"}).Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.AccessToken)
}
