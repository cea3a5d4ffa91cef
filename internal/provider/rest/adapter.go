package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"ledgerbridge/internal/metrics"
	"ledgerbridge/internal/models"
	"ledgerbridge/internal/provider"
	"ledgerbridge/internal/syncerr"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const maxResponseBody = 32 << 20

type Option func(*Adapter)

func WithHTTPClient(c *http.Client) Option { return func(a *Adapter) { a.client = c } }

func WithMapper(m Mapper) Option { return func(a *Adapter) { a.mapper = m } }

func WithClock(now func() time.Time) Option { return func(a *Adapter) { a.now = now } }

func WithLogger(l *zerolog.Logger) Option { return func(a *Adapter) { a.logger = l } }

// Adapter talks to one vendor binding. It never refreshes tokens itself:
// a 401 surfaces as syncerr.ErrAuth for the caller to handle.
type Adapter struct {
	provider.Unsupported

	dialect Dialect
	cfg     models.ProviderConfig
	oauth   *oauth2.Config
	tokens  provider.TokenSource
	client  *http.Client
	limiter *rate.Limiter
	mapper  Mapper
	baseURL string
	now     func() time.Time
	logger  *zerolog.Logger

	mu     sync.Mutex
	limits map[string]models.RateLimitInfo
}

func New(d Dialect, cfg models.ProviderConfig, tokens provider.TokenSource, opts ...Option) (*Adapter, error) {
	if cfg.ClientID == "" {
		return nil, syncerr.New(syncerr.ErrValidation, "new adapter", d.Name+": client id is required")
	}

	base := cfg.BaseURL
	if base == "" {
		base = d.ProductionURL
		if cfg.Sandbox() && d.SandboxURL != "" {
			base = d.SandboxURL
		}
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = d.DefaultScopes
	}

	a := &Adapter{
		Unsupported: provider.Unsupported{Name: d.Name},
		dialect:     d,
		cfg:         cfg,
		tokens:      tokens,
		baseURL:     strings.TrimRight(base, "/"),
		mapper:      JSONMapper{},
		now:         time.Now,
		limits:      make(map[string]models.RateLimitInfo),
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   d.AuthURL,
				TokenURL:  d.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.client == nil {
		a.client = &http.Client{Timeout: cfg.Timeout}
	}
	if a.logger == nil {
		nop := zerolog.Nop()
		a.logger = &nop
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return a, nil
}

// Factory returns a provider.Factory for the dialect.
func Factory(d Dialect, opts ...Option) provider.Factory {
	return func(cfg models.ProviderConfig, tokens provider.TokenSource) (provider.Adapter, error) {
		return New(d, cfg, tokens, opts...)
	}
}

func (a *Adapter) Info() provider.Info {
	capabilities := append([]provider.Capability{}, a.dialect.Capabilities...)
	if a.dialect.ExportPath != "" {
		capabilities = append(capabilities, provider.CapExport)
	}
	if a.dialect.WebhooksPath != "" {
		capabilities = append(capabilities, provider.CapWebhooks)
	}
	return provider.Info{Name: a.dialect.Name, Version: a.dialect.Version, Capabilities: capabilities}
}

type request struct {
	op       string
	endpoint string
	method   string
	path     string
	query    url.Values
	header   http.Header
	body     []byte
}

func (a *Adapter) url(path string, tenant string) (string, error) {
	prefix := a.dialect.PathPrefix
	if strings.Contains(prefix, "{tenant}") {
		if tenant == "" {
			return "", syncerr.New(syncerr.ErrValidation, "build url", "tenant id is required")
		}
		prefix = strings.ReplaceAll(prefix, "{tenant}", url.PathEscape(tenant))
	}
	return a.baseURL + prefix + "/" + strings.TrimLeft(path, "/"), nil
}

// do sends r and returns the 2xx response; the caller closes its body.
func (a *Adapter) do(ctx context.Context, r request) (*http.Response, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if a.tokens == nil {
		return nil, syncerr.New(syncerr.ErrAuth, r.op, "no token source").WithProvider(a.dialect.Name)
	}
	tok, err := a.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	tenant := tok.TenantID
	if tenant == "" {
		tenant = a.cfg.TenantID
	}

	target, err := a.url(r.path, tenant)
	if err != nil {
		return nil, err
	}
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.dialect.TenantHeader != "" && tenant != "" {
		req.Header.Set(a.dialect.TenantHeader, tenant)
	}
	for k, vs := range r.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	started := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		metrics.ObserveVendorRequest(a.dialect.Name, r.endpoint, "error", time.Since(started))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, syncerr.Wrap(syncerr.ErrTransient, r.op, err).WithProvider(a.dialect.Name)
	}
	metrics.ObserveVendorRequest(a.dialect.Name, r.endpoint, fmt.Sprintf("%dxx", resp.StatusCode/100), time.Since(started))
	a.recordLimits(r.endpoint, resp)

	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		err := classify(r.op, resp, a.now())
		a.logger.Debug().
			Str("provider", a.dialect.Name).
			Str("op", r.op).
			Int("status", resp.StatusCode).
			Err(err).
			Msg("Vendor request failed")
		if se, ok := err.(*syncerr.Error); ok {
			return nil, se.WithProvider(a.dialect.Name)
		}
		return nil, err
	}
	return resp, nil
}

func (a *Adapter) doJSON(ctx context.Context, r request, decode func([]byte) error) error {
	resp, err := a.do(ctx, r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return syncerr.Wrap(syncerr.ErrTransient, r.op, err).WithProvider(a.dialect.Name)
	}
	if decode == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := decode(body); err != nil {
		return syncerr.Wrap(syncerr.ErrValidation, r.op, err).WithProvider(a.dialect.Name)
	}
	return nil
}

func (a *Adapter) recordLimits(endpoint string, resp *http.Response) {
	h := a.dialect.RateLimit
	now := a.now()
	info := models.RateLimitInfo{Endpoint: endpoint, ObservedAt: now}

	info.Limit = atoiHeader(resp.Header, h.Limit)
	if info.Limit <= 0 {
		info.Limit = a.dialect.DefaultLimit
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		info.Remaining = 0
		info.ResetAt = now.Add(parseRetryAfter(resp.Header.Get("Retry-After"), now))
	} else {
		if h.Remaining == "" || resp.Header.Get(h.Remaining) == "" {
			return
		}
		info.Remaining = atoiHeader(resp.Header, h.Remaining)
		info.ResetAt = a.parseReset(resp.Header.Get(h.Reset), now)
	}
	if info.Limit <= 0 {
		return
	}

	a.mu.Lock()
	a.limits[endpoint] = info
	a.mu.Unlock()
}

// parseReset accepts unix seconds or seconds until reset.
func (a *Adapter) parseReset(v string, now time.Time) time.Time {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	switch {
	case err != nil || n < 0:
		window := a.dialect.Window
		if window <= 0 {
			window = time.Minute
		}
		return now.Add(window)
	case n > 1_000_000_000:
		return time.Unix(n, 0)
	default:
		return now.Add(time.Duration(n) * time.Second)
	}
}

func atoiHeader(h http.Header, name string) int {
	if name == "" {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(h.Get(name)))
	if err != nil {
		return 0
	}
	return n
}

func (a *Adapter) RateLimit(_ context.Context, endpoint string) (models.RateLimitInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.limits[endpoint], nil
}

func (a *Adapter) resource(op string, t models.EntityType) (string, error) {
	path, ok := a.dialect.Resources[t]
	if !ok || !a.Info().SupportsEntity(t) {
		return "", syncerr.NotSupported(a.dialect.Name, op+" "+t.String())
	}
	return path, nil
}

func (a *Adapter) AuthURL(state string, scopes []string) (string, error) {
	cfg := *a.oauth
	if len(scopes) > 0 {
		cfg.Scopes = scopes
	}
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

func (a *Adapter) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.client)
}

func (a *Adapter) fromOAuth(tok *oauth2.Token) models.Token {
	out := models.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
		TenantID:     a.cfg.TenantID,
	}
	for _, key := range []string{"tenant_id", "realmId"} {
		if v, ok := tok.Extra(key).(string); ok && v != "" {
			out.TenantID = v
			break
		}
	}
	return out
}

func (a *Adapter) ExchangeCode(ctx context.Context, code string) (models.Token, error) {
	tok, err := a.oauth.Exchange(a.oauthContext(ctx), code)
	if err != nil {
		return models.Token{}, classifyTokenError("exchange_code", err)
	}
	return a.fromOAuth(tok), nil
}

func (a *Adapter) RefreshToken(ctx context.Context, refreshToken string) (models.Token, error) {
	if refreshToken == "" {
		return models.Token{}, syncerr.New(syncerr.ErrAuth, "refresh_token", "no refresh token").WithProvider(a.dialect.Name)
	}
	src := a.oauth.TokenSource(a.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)})
	tok, err := src.Token()
	if err != nil {
		return models.Token{}, classifyTokenError("refresh_token", err)
	}
	out := a.fromOAuth(tok)
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	return out, nil
}

// ValidateAuth reports false for rejected credentials and an error only
// when the vendor could not be asked.
func (a *Adapter) ValidateAuth(ctx context.Context) (bool, error) {
	_, err := a.CompanyInfo(ctx)
	switch {
	case err == nil:
		return true, nil
	case syncerr.Kind(err) == syncerr.ErrAuth:
		return false, nil
	default:
		return false, err
	}
}

func (a *Adapter) RevokeAuth(ctx context.Context) error {
	if a.dialect.RevokeURL == "" {
		return syncerr.NotSupported(a.dialect.Name, "revoke_auth")
	}
	if a.tokens == nil {
		return syncerr.New(syncerr.ErrAuth, "revoke_auth", "no token source").WithProvider(a.dialect.Name)
	}
	tok, err := a.tokens.Token(ctx)
	if err != nil {
		return err
	}
	value := tok.RefreshToken
	if value == "" {
		value = tok.AccessToken
	}

	form := url.Values{"token": {value}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.dialect.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(a.cfg.ClientID, a.cfg.ClientSecret)

	resp, err := a.client.Do(req)
	if err != nil {
		return syncerr.Wrap(syncerr.ErrTransient, "revoke_auth", err).WithProvider(a.dialect.Name)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return classify("revoke_auth", resp, a.now())
	}
	return nil
}

func (a *Adapter) CompanyInfo(ctx context.Context) (*models.CompanyInfo, error) {
	if a.dialect.CompanyPath == "" {
		return nil, syncerr.NotSupported(a.dialect.Name, "company_info")
	}
	var info *models.CompanyInfo
	err := a.doJSON(ctx, request{
		op: "company_info", endpoint: models.EndpointCompany, method: http.MethodGet, path: a.dialect.CompanyPath,
	}, func(body []byte) error {
		var err error
		info, err = a.mapper.DecodeCompany(body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (a *Adapter) List(ctx context.Context, t models.EntityType, opts models.SyncOptions) (*models.Page, error) {
	path, err := a.resource("list", t)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	for k, v := range a.dialect.ListParams[t] {
		q.Set(k, v)
	}
	for k, v := range opts.Filters {
		q.Set(k, v)
	}
	if opts.Cursor != "" {
		q.Set(paramOr(a.dialect.CursorParam, "cursor"), opts.Cursor)
	}
	q.Set(paramOr(a.dialect.PageSizeParam, "page_size"), strconv.Itoa(opts.Limit()))
	if opts.IncludeInactive {
		q.Set("include_inactive", "true")
	}
	if opts.Search != "" {
		if a.dialect.SearchParam == "" || !a.Info().Supports(provider.CapSearch) {
			return nil, syncerr.NotSupported(a.dialect.Name, "search "+t.String())
		}
		q.Set(a.dialect.SearchParam, opts.Search)
	}

	header := http.Header{}
	if opts.ModifiedSince != nil {
		if a.dialect.ModifiedSinceParam != "" {
			q.Set(a.dialect.ModifiedSinceParam, opts.ModifiedSince.UTC().Format(time.RFC3339))
		} else {
			header.Set("If-Modified-Since", opts.ModifiedSince.UTC().Format(http.TimeFormat))
		}
	}

	var page *models.Page
	err = a.doJSON(ctx, request{
		op: "list " + t.String(), endpoint: t.String(), method: http.MethodGet, path: path, query: q, header: header,
	}, func(body []byte) error {
		var err error
		page, err = a.mapper.DecodePage(t, body)
		return err
	})
	if err != nil {
		return nil, err
	}
	if page == nil {
		page = &models.Page{}
	}
	return page, nil
}

func paramOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func (a *Adapter) Get(ctx context.Context, t models.EntityType, id string) (models.Entity, error) {
	path, err := a.resource("get", t)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, syncerr.New(syncerr.ErrValidation, "get "+t.String(), "id is required")
	}
	return a.entityCall(ctx, t, request{
		op: "get " + t.String(), endpoint: t.String(), method: http.MethodGet, path: path + "/" + url.PathEscape(id),
	})
}

func (a *Adapter) entityCall(ctx context.Context, t models.EntityType, r request) (models.Entity, error) {
	var out models.Entity
	err := a.doJSON(ctx, r, func(body []byte) error {
		var err error
		out, err = a.mapper.DecodeEntity(t, body)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, syncerr.New(syncerr.ErrTransient, r.op, "empty response body").WithProvider(a.dialect.Name)
	}
	return out, nil
}

func (a *Adapter) Create(ctx context.Context, e models.Entity, idempotencyKey string) (models.Entity, error) {
	if e == nil {
		return nil, syncerr.New(syncerr.ErrValidation, "create", "entity is required")
	}
	t := e.EntityType()
	path, err := a.resource("create", t)
	if err != nil {
		return nil, err
	}
	body, err := a.mapper.EncodeEntity(e)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrValidation, "create "+t.String(), err)
	}

	r := request{op: "create " + t.String(), endpoint: t.String(), method: http.MethodPost, path: path, body: body}
	if idempotencyKey != "" {
		switch {
		case a.dialect.IdempotencyHeader != "":
			r.header = http.Header{a.dialect.IdempotencyHeader: {idempotencyKey}}
		case a.dialect.IdempotencyParam != "":
			r.query = url.Values{a.dialect.IdempotencyParam: {idempotencyKey}}
		}
	}
	return a.entityCall(ctx, t, r)
}

// Update sends the caller's version as If-Match; the vendor answers a
// stale version with 409 or 412, which maps to ErrConflict.
func (a *Adapter) Update(ctx context.Context, e models.Entity) (models.Entity, error) {
	if e == nil {
		return nil, syncerr.New(syncerr.ErrValidation, "update", "entity is required")
	}
	t := e.EntityType()
	path, err := a.resource("update", t)
	if err != nil {
		return nil, err
	}
	op := "update " + t.String()
	if e.ExternalID() == "" {
		return nil, syncerr.New(syncerr.ErrValidation, op, "id is required")
	}
	if e.Version() == "" {
		return nil, syncerr.New(syncerr.ErrValidation, op, "version is required")
	}
	body, err := a.mapper.EncodeEntity(e)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrValidation, op, err)
	}
	return a.entityCall(ctx, t, request{
		op:       op,
		endpoint: t.String(),
		method:   http.MethodPut,
		path:     path + "/" + url.PathEscape(e.ExternalID()),
		header:   http.Header{"If-Match": {e.Version()}},
		body:     body,
	})
}

func (a *Adapter) Delete(ctx context.Context, t models.EntityType, id string) error {
	path, err := a.resource("delete", t)
	if err != nil {
		return err
	}
	if id == "" {
		return syncerr.New(syncerr.ErrValidation, "delete "+t.String(), "id is required")
	}
	return a.doJSON(ctx, request{
		op: "delete " + t.String(), endpoint: t.String(), method: http.MethodDelete, path: path + "/" + url.PathEscape(id),
	}, nil)
}

func (a *Adapter) Attachments(ctx context.Context, t models.EntityType, entityID string) ([]models.Attachment, error) {
	if a.dialect.AttachmentsPath == "" || !a.Info().Supports(provider.CapAttachments) {
		return nil, syncerr.NotSupported(a.dialect.Name, "attachments")
	}
	path, err := a.resource("attachments", t)
	if err != nil {
		return nil, err
	}
	var out struct {
		Items []models.Attachment `json:"items"`
	}
	err = a.doJSON(ctx, request{
		op:       "attachments",
		endpoint: "attachments",
		method:   http.MethodGet,
		path:     path + "/" + url.PathEscape(entityID) + "/" + a.dialect.AttachmentsPath,
	}, func(body []byte) error { return json.Unmarshal(body, &out) })
	if err != nil {
		return nil, err
	}
	for i := range out.Items {
		out.Items[i].EntityType = t
		out.Items[i].EntityID = entityID
	}
	return out.Items, nil
}

func (a *Adapter) Attachment(ctx context.Context, id string) (*models.Attachment, error) {
	if a.dialect.AttachmentsPath == "" || !a.Info().Supports(provider.CapAttachments) {
		return nil, syncerr.NotSupported(a.dialect.Name, "attachment")
	}
	var out models.Attachment
	err := a.doJSON(ctx, request{
		op: "attachment", endpoint: "attachments", method: http.MethodGet, path: a.dialect.AttachmentsPath + "/" + url.PathEscape(id),
	}, func(body []byte) error { return json.Unmarshal(body, &out) })
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// bulkAbort reports errors that end a bulk call instead of being
// recorded per item.
func bulkAbort(err error) bool {
	switch syncerr.Kind(err) {
	case syncerr.ErrAuth, syncerr.ErrRateLimited, syncerr.ErrNotSupported:
		return true
	}
	return false
}

// BulkCreate creates items one by one; item i uses key "<key>-<i>" so a
// retried bulk call does not duplicate the items that already landed.
func (a *Adapter) BulkCreate(ctx context.Context, entities []models.Entity, idempotencyKey string) (*models.BulkResult, error) {
	if !a.Info().Supports(provider.CapBulk) {
		return nil, syncerr.NotSupported(a.dialect.Name, "bulk_create")
	}
	res := &models.BulkResult{}
	for i, e := range entities {
		key := ""
		if idempotencyKey != "" {
			key = fmt.Sprintf("%s-%d", idempotencyKey, i)
		}
		created, err := a.Create(ctx, e, key)
		if err != nil {
			if bulkAbort(err) {
				return res, err
			}
			res.Failed = append(res.Failed, models.BulkFailure{Index: i, Error: err.Error()})
			continue
		}
		res.Succeeded = append(res.Succeeded, created.ExternalID())
	}
	return res, nil
}

func (a *Adapter) BulkUpdate(ctx context.Context, entities []models.Entity) (*models.BulkResult, error) {
	if !a.Info().Supports(provider.CapBulk) {
		return nil, syncerr.NotSupported(a.dialect.Name, "bulk_update")
	}
	res := &models.BulkResult{}
	for i, e := range entities {
		updated, err := a.Update(ctx, e)
		if err != nil {
			if bulkAbort(err) {
				return res, err
			}
			id := ""
			if e != nil {
				id = e.ExternalID()
			}
			res.Failed = append(res.Failed, models.BulkFailure{Index: i, ID: id, Error: err.Error()})
			continue
		}
		res.Succeeded = append(res.Succeeded, updated.ExternalID())
	}
	return res, nil
}

func (a *Adapter) BulkDelete(ctx context.Context, t models.EntityType, ids []string) (*models.BulkResult, error) {
	if !a.Info().Supports(provider.CapBulk) {
		return nil, syncerr.NotSupported(a.dialect.Name, "bulk_delete")
	}
	res := &models.BulkResult{}
	for i, id := range ids {
		if err := a.Delete(ctx, t, id); err != nil {
			if bulkAbort(err) {
				return res, err
			}
			res.Failed = append(res.Failed, models.BulkFailure{Index: i, ID: id, Error: err.Error()})
			continue
		}
		res.Succeeded = append(res.Succeeded, id)
	}
	return res, nil
}

func (a *Adapter) exportPath(op string) (string, error) {
	if a.dialect.ExportPath == "" {
		return "", syncerr.NotSupported(a.dialect.Name, op)
	}
	return a.dialect.ExportPath, nil
}

func (a *Adapter) StartExport(ctx context.Context, req models.ExportRequest) (string, error) {
	path, err := a.exportPath("start_export")
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	err = a.doJSON(ctx, request{
		op: "start_export", endpoint: models.EndpointExport, method: http.MethodPost, path: path, body: body,
	}, func(b []byte) error { return json.Unmarshal(b, &out) })
	if err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", syncerr.New(syncerr.ErrTransient, "start_export", "vendor returned no job id").WithProvider(a.dialect.Name)
	}
	return out.ID, nil
}

func (a *Adapter) ExportStatus(ctx context.Context, vendorJobID string) (*models.ExportProgress, error) {
	path, err := a.exportPath("export_status")
	if err != nil {
		return nil, err
	}
	var out models.ExportProgress
	err = a.doJSON(ctx, request{
		op: "export_status", endpoint: models.EndpointExport, method: http.MethodGet, path: path + "/" + url.PathEscape(vendorJobID),
	}, func(b []byte) error { return json.Unmarshal(b, &out) })
	if err != nil {
		return nil, err
	}
	out.VendorJobID = vendorJobID
	return &out, nil
}

// DownloadExport streams the vendor file; the caller closes it.
func (a *Adapter) DownloadExport(ctx context.Context, vendorJobID string) (io.ReadCloser, error) {
	path, err := a.exportPath("download_export")
	if err != nil {
		return nil, err
	}
	resp, err := a.do(ctx, request{
		op: "download_export", endpoint: models.EndpointExport, method: http.MethodGet, path: path + "/" + url.PathEscape(vendorJobID) + "/download",
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (a *Adapter) CancelExport(ctx context.Context, vendorJobID string) error {
	path, err := a.exportPath("cancel_export")
	if err != nil {
		return err
	}
	return a.doJSON(ctx, request{
		op: "cancel_export", endpoint: models.EndpointExport, method: http.MethodDelete, path: path + "/" + url.PathEscape(vendorJobID),
	}, nil)
}

func (a *Adapter) CreateWebhook(ctx context.Context, hook models.Webhook) (*models.Webhook, error) {
	if a.dialect.WebhooksPath == "" {
		return nil, syncerr.NotSupported(a.dialect.Name, "create_webhook")
	}
	body, err := json.Marshal(hook)
	if err != nil {
		return nil, err
	}
	var out models.Webhook
	err = a.doJSON(ctx, request{
		op: "create_webhook", endpoint: "webhooks", method: http.MethodPost, path: a.dialect.WebhooksPath, body: body,
	}, func(b []byte) error { return json.Unmarshal(b, &out) })
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *Adapter) DeleteWebhook(ctx context.Context, id string) error {
	if a.dialect.WebhooksPath == "" {
		return syncerr.NotSupported(a.dialect.Name, "delete_webhook")
	}
	return a.doJSON(ctx, request{
		op: "delete_webhook", endpoint: "webhooks", method: http.MethodDelete, path: a.dialect.WebhooksPath + "/" + url.PathEscape(id),
	}, nil)
}

func (a *Adapter) ListWebhooks(ctx context.Context) ([]models.Webhook, error) {
	if a.dialect.WebhooksPath == "" {
		return nil, syncerr.NotSupported(a.dialect.Name, "list_webhooks")
	}
	var out struct {
		Items []models.Webhook `json:"items"`
	}
	err := a.doJSON(ctx, request{
		op: "list_webhooks", endpoint: "webhooks", method: http.MethodGet, path: a.dialect.WebhooksPath,
	}, func(b []byte) error { return json.Unmarshal(b, &out) })
	if err != nil {
		return nil, err
	}
	return out.Items, nil
}

// VerifyWebhook checks a base64 HMAC-SHA256 signature of the raw payload.
func (a *Adapter) VerifyWebhook(payload []byte, signature, secret string) bool {
	if secret == "" {
		secret = a.cfg.WebhookSecret
	}
	return VerifySignature(payload, signature, secret)
}

// SignatureHeader names the header vendors put webhook signatures in.
func (a *Adapter) SignatureHeader() string { return a.dialect.SignatureHeader }

var _ provider.Adapter = (*Adapter)(nil)
