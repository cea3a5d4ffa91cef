// Package providertest provides an in-memory vendor for tests.
package providertest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"ledgerbridge/internal/models"
	"ledgerbridge/internal/provider"
	"ledgerbridge/internal/syncerr"
)

// Fake stores entities in memory and behaves like a well-mannered vendor:
// it honours idempotency keys, rejects stale versions with ErrConflict and
// rejects requests whose access token is not ValidToken with ErrAuth.
type Fake struct {
	provider.Unsupported

	Caps   []provider.Capability
	Tokens provider.TokenSource

	// Fail, when set, is consulted before every operation.
	Fail func(op string) error

	// RefreshDelay stretches RefreshToken so concurrent callers overlap.
	RefreshDelay time.Duration

	// ExportSteps is how many ExportStatus polls report progress before done.
	ExportSteps   int
	ExportPayload []byte

	mu          sync.Mutex
	validToken  string
	entities    map[models.EntityType]map[string][]byte
	idempotency map[string]string
	calls       map[string]int
	seq         int
	refreshes   int
	exports     map[string]int
	cancelled   map[string]bool
	webhooks    map[string]models.Webhook
	rateLimits  map[string]models.RateLimitInfo
	pending     map[string]models.RateLimitInfo
}

// New returns a fake supporting every capability.
func New(name string) *Fake {
	caps := []provider.Capability{
		provider.CapAuth, provider.CapCompanyInfo, provider.CapFullCRUD,
		provider.CapAttachments, provider.CapBulk, provider.CapExport,
		provider.CapWebhooks, provider.CapRateLimitAPI, provider.CapSearch,
	}
	for _, t := range models.EntityTypes {
		caps = append(caps, provider.EntityCapability(t))
	}
	return &Fake{
		Unsupported: provider.Unsupported{Name: name},
		Caps:        caps,
		ExportSteps: 1,
		entities:    make(map[models.EntityType]map[string][]byte),
		idempotency: make(map[string]string),
		calls:       make(map[string]int),
		exports:     make(map[string]int),
		cancelled:   make(map[string]bool),
		webhooks:    make(map[string]models.Webhook),
		rateLimits:  make(map[string]models.RateLimitInfo),
		pending:     make(map[string]models.RateLimitInfo),
	}
}

// Factory returns a provider.Factory that hands out f with the given
// token source attached.
func (f *Fake) Factory() provider.Factory {
	return func(_ models.ProviderConfig, tokens provider.TokenSource) (provider.Adapter, error) {
		f.mu.Lock()
		f.Tokens = tokens
		f.mu.Unlock()
		return f, nil
	}
}

// RequireToken makes every data call demand this access token.
func (f *Fake) RequireToken(access string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validToken = access
}

// SetRateLimit makes the next call report info, as if the vendor had
// sent it in response headers. Calls after that report nothing new.
func (f *Fake) SetRateLimit(info models.RateLimitInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[info.Endpoint] = info
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) Refreshes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

// Seed stores an entity directly, bypassing call accounting.
func (f *Fake) Seed(e models.Entity) {
	raw, _ := json.Marshal(e)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bucket(e.EntityType())[e.ExternalID()] = raw
}

func (f *Fake) bucket(t models.EntityType) map[string][]byte {
	b, ok := f.entities[t]
	if !ok {
		b = make(map[string][]byte)
		f.entities[t] = b
	}
	return b
}

func (f *Fake) begin(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	for endpoint, info := range f.pending {
		info.ObservedAt = time.Now()
		f.rateLimits[endpoint] = info
		delete(f.pending, endpoint)
	}
	want := f.validToken
	tokens := f.Tokens
	fail := f.Fail
	f.mu.Unlock()

	if fail != nil {
		if err := fail(op); err != nil {
			return err
		}
	}
	if want != "" {
		if tokens == nil {
			return syncerr.New(syncerr.ErrAuth, op, "no token source")
		}
		tok, err := tokens.Token(ctx)
		if err != nil {
			return err
		}
		if tok.AccessToken != want {
			return syncerr.New(syncerr.ErrAuth, op, "access token rejected")
		}
	}
	return nil
}

func (f *Fake) Info() provider.Info {
	return provider.Info{Name: f.Name, Version: "test", Capabilities: f.Caps}
}

func (f *Fake) AuthURL(state string, _ []string) (string, error) {
	return "https://vendor.test/authorize?state=" + state, nil
}

func (f *Fake) ExchangeCode(ctx context.Context, code string) (models.Token, error) {
	if err := f.begin(ctx, "exchange_code"); err != nil {
		return models.Token{}, err
	}
	return models.Token{AccessToken: "access-" + code, RefreshToken: "refresh-" + code, Expiry: time.Now().Add(time.Hour)}, nil
}

// RefreshToken issues token-N and makes it the only accepted token.
func (f *Fake) RefreshToken(ctx context.Context, refreshToken string) (models.Token, error) {
	f.mu.Lock()
	f.calls["refresh_token"]++
	fail := f.Fail
	f.mu.Unlock()
	if fail != nil {
		if err := fail("refresh_token"); err != nil {
			return models.Token{}, err
		}
	}
	if refreshToken == "" {
		return models.Token{}, syncerr.New(syncerr.ErrAuth, "refresh_token", "missing refresh token")
	}
	if f.RefreshDelay > 0 {
		time.Sleep(f.RefreshDelay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	tok := models.Token{
		AccessToken:  "token-" + strconv.Itoa(f.refreshes),
		RefreshToken: refreshToken,
		Expiry:       time.Now().Add(time.Hour),
	}
	if f.validToken != "" {
		f.validToken = tok.AccessToken
	}
	return tok, nil
}

func (f *Fake) ValidateAuth(ctx context.Context) (bool, error) {
	if err := f.begin(ctx, "validate_auth"); err != nil {
		if syncerr.Kind(err) == syncerr.ErrAuth {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (f *Fake) RevokeAuth(ctx context.Context) error {
	return f.begin(ctx, "revoke_auth")
}

func (f *Fake) CompanyInfo(ctx context.Context) (*models.CompanyInfo, error) {
	if err := f.begin(ctx, "company_info"); err != nil {
		return nil, err
	}
	return &models.CompanyInfo{ID: "company-1", Name: f.Name + " Ltd", BaseCurrency: "EUR"}, nil
}

// List pages through entities ordered by id; the cursor is an offset.
func (f *Fake) List(ctx context.Context, t models.EntityType, opts models.SyncOptions) (*models.Page, error) {
	if err := f.begin(ctx, "list"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	query := strings.ToLower(opts.Search)
	ids := make([]string, 0, len(f.entities[t]))
	for id, raw := range f.entities[t] {
		if query != "" && !strings.Contains(strings.ToLower(string(raw)), query) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	offset, _ := strconv.Atoi(opts.Cursor)
	limit := opts.Limit()
	page := &models.Page{Total: len(ids)}
	for i := offset; i < len(ids) && i < offset+limit; i++ {
		e, err := models.DecodeEntity(t, f.entities[t][ids[i]])
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, e)
	}
	if offset+limit < len(ids) {
		page.HasMore = true
		page.NextCursor = strconv.Itoa(offset + limit)
	}
	return page, nil
}

func (f *Fake) Get(ctx context.Context, t models.EntityType, id string) (models.Entity, error) {
	if err := f.begin(ctx, "get"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.entities[t][id]
	if !ok {
		return nil, syncerr.Newf(syncerr.ErrNotFound, "get", "%s %s", t, id)
	}
	return models.DecodeEntity(t, raw)
}

func (f *Fake) Create(ctx context.Context, e models.Entity, idempotencyKey string) (models.Entity, error) {
	if err := f.begin(ctx, "create"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createLocked(e, idempotencyKey)
}

func (f *Fake) createLocked(e models.Entity, idempotencyKey string) (models.Entity, error) {
	t := e.EntityType()
	if idempotencyKey != "" {
		if id, ok := f.idempotency[idempotencyKey]; ok {
			return models.DecodeEntity(t, f.entities[t][id])
		}
	}

	f.seq++
	id := fmt.Sprintf("ext-%d", f.seq)
	stored, err := withIdentity(e, id, "1")
	if err != nil {
		return nil, err
	}
	f.bucket(t)[id] = stored
	if idempotencyKey != "" {
		f.idempotency[idempotencyKey] = id
	}
	return models.DecodeEntity(t, stored)
}

func (f *Fake) Update(ctx context.Context, e models.Entity) (models.Entity, error) {
	if err := f.begin(ctx, "update"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateLocked(e)
}

func (f *Fake) updateLocked(e models.Entity) (models.Entity, error) {
	t := e.EntityType()
	raw, ok := f.entities[t][e.ExternalID()]
	if !ok {
		return nil, syncerr.Newf(syncerr.ErrNotFound, "update", "%s %s", t, e.ExternalID())
	}
	current, err := models.DecodeEntity(t, raw)
	if err != nil {
		return nil, err
	}
	if current.Version() != e.Version() {
		return nil, syncerr.Newf(syncerr.ErrConflict, "update", "version %q is stale, current %q", e.Version(), current.Version())
	}
	next, _ := strconv.Atoi(current.Version())
	stored, err := withIdentity(e, e.ExternalID(), strconv.Itoa(next+1))
	if err != nil {
		return nil, err
	}
	f.entities[t][e.ExternalID()] = stored
	return models.DecodeEntity(t, stored)
}

func (f *Fake) Delete(ctx context.Context, t models.EntityType, id string) error {
	if err := f.begin(ctx, "delete"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entities[t][id]; !ok {
		return syncerr.Newf(syncerr.ErrNotFound, "delete", "%s %s", t, id)
	}
	delete(f.entities[t], id)
	return nil
}

func (f *Fake) Attachments(ctx context.Context, t models.EntityType, entityID string) ([]models.Attachment, error) {
	if err := f.begin(ctx, "attachments"); err != nil {
		return nil, err
	}
	return []models.Attachment{{ID: "att-1", EntityType: t, EntityID: entityID, FileName: "receipt.pdf"}}, nil
}

func (f *Fake) Attachment(ctx context.Context, id string) (*models.Attachment, error) {
	if err := f.begin(ctx, "attachment"); err != nil {
		return nil, err
	}
	if id != "att-1" {
		return nil, syncerr.Newf(syncerr.ErrNotFound, "attachment", "attachment %s", id)
	}
	return &models.Attachment{ID: id, FileName: "receipt.pdf", ContentType: "application/pdf"}, nil
}

func (f *Fake) BulkCreate(ctx context.Context, entities []models.Entity, idempotencyKey string) (*models.BulkResult, error) {
	if err := f.begin(ctx, "bulk_create"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	res := &models.BulkResult{}
	for i, e := range entities {
		key := ""
		if idempotencyKey != "" {
			key = fmt.Sprintf("%s/%d", idempotencyKey, i)
		}
		created, err := f.createLocked(e, key)
		if err != nil {
			res.Failed = append(res.Failed, models.BulkFailure{Index: i, Error: err.Error()})
			continue
		}
		res.Succeeded = append(res.Succeeded, created.ExternalID())
	}
	return res, nil
}

func (f *Fake) BulkUpdate(ctx context.Context, entities []models.Entity) (*models.BulkResult, error) {
	if err := f.begin(ctx, "bulk_update"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	res := &models.BulkResult{}
	for i, e := range entities {
		if _, err := f.updateLocked(e); err != nil {
			res.Failed = append(res.Failed, models.BulkFailure{Index: i, ID: e.ExternalID(), Error: err.Error()})
			continue
		}
		res.Succeeded = append(res.Succeeded, e.ExternalID())
	}
	return res, nil
}

func (f *Fake) BulkDelete(ctx context.Context, t models.EntityType, ids []string) (*models.BulkResult, error) {
	if err := f.begin(ctx, "bulk_delete"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	res := &models.BulkResult{}
	for i, id := range ids {
		if _, ok := f.entities[t][id]; !ok {
			res.Failed = append(res.Failed, models.BulkFailure{Index: i, ID: id, Error: "not found"})
			continue
		}
		delete(f.entities[t], id)
		res.Succeeded = append(res.Succeeded, id)
	}
	return res, nil
}

func (f *Fake) StartExport(ctx context.Context, _ models.ExportRequest) (string, error) {
	if err := f.begin(ctx, "start_export"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("vx-%d", f.seq)
	f.exports[id] = 0
	return id, nil
}

func (f *Fake) ExportStatus(ctx context.Context, vendorJobID string) (*models.ExportProgress, error) {
	if err := f.begin(ctx, "export_status"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	polls, ok := f.exports[vendorJobID]
	if !ok {
		return nil, syncerr.Newf(syncerr.ErrNotFound, "export_status", "%s", vendorJobID)
	}
	polls++
	f.exports[vendorJobID] = polls
	steps := f.ExportSteps
	if steps <= 0 {
		steps = 1
	}
	if polls >= steps {
		return &models.ExportProgress{VendorJobID: vendorJobID, Done: true, Progress: 100}, nil
	}
	return &models.ExportProgress{VendorJobID: vendorJobID, Progress: polls * 100 / steps}, nil
}

func (f *Fake) DownloadExport(ctx context.Context, vendorJobID string) (io.ReadCloser, error) {
	if err := f.begin(ctx, "download_export"); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(f.ExportPayload)), nil
}

func (f *Fake) CancelExport(ctx context.Context, vendorJobID string) error {
	if err := f.begin(ctx, "cancel_export"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled[vendorJobID] = true
	return nil
}

// ExportCancelled reports whether CancelExport was called for the id.
func (f *Fake) ExportCancelled(vendorJobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[vendorJobID]
}

func (f *Fake) CreateWebhook(ctx context.Context, hook models.Webhook) (*models.Webhook, error) {
	if err := f.begin(ctx, "create_webhook"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	hook.ID = fmt.Sprintf("wh-%d", f.seq)
	hook.Active = true
	if hook.Secret == "" {
		hook.Secret = "secret-" + hook.ID
	}
	f.webhooks[hook.ID] = hook
	return &hook, nil
}

func (f *Fake) DeleteWebhook(ctx context.Context, id string) error {
	if err := f.begin(ctx, "delete_webhook"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.webhooks, id)
	return nil
}

func (f *Fake) ListWebhooks(ctx context.Context) ([]models.Webhook, error) {
	if err := f.begin(ctx, "list_webhooks"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Webhook, 0, len(f.webhooks))
	for _, h := range f.webhooks {
		out = append(out, h)
	}
	return out, nil
}

// VerifyWebhook accepts signatures of the form "<secret>:<len(payload)>".
func (f *Fake) VerifyWebhook(payload []byte, signature, secret string) bool {
	return signature == fmt.Sprintf("%s:%d", secret, len(payload))
}

func (f *Fake) RateLimit(_ context.Context, endpoint string) (models.RateLimitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rateLimits[endpoint], nil
}

// withIdentity re-encodes e with the given id and version.
func withIdentity(e models.Entity, id, version string) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["id"], _ = json.Marshal(id)
	fields["sync_token"], _ = json.Marshal(version)
	return json.Marshal(fields)
}

var _ provider.Adapter = (*Fake)(nil)
