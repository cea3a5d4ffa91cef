// Package rest implements provider.Adapter for OAuth2 JSON vendor APIs.
// Vendor differences live in a Dialect; field mapping lives in a Mapper.
package rest

import (
	"time"

	"ledgerbridge/internal/models"
	"ledgerbridge/internal/provider"
)

// RateLimitHeaders names the response headers carrying vendor headroom.
type RateLimitHeaders struct {
	Limit     string
	Remaining string
	Reset     string
}

// Dialect describes one vendor's REST conventions.
type Dialect struct {
	Name    string
	Version string

	AuthURL       string
	TokenURL      string
	RevokeURL     string
	DefaultScopes []string

	ProductionURL string
	SandboxURL    string

	// PathPrefix is prepended to every resource path; {tenant} is
	// replaced with the binding's tenant id.
	PathPrefix   string
	TenantHeader string

	Resources   map[models.EntityType]string
	ListParams  map[models.EntityType]map[string]string
	CompanyPath string

	// AttachmentsPath lists attachments under <resource>/<id>/<path> and
	// fetches one under <path>/<id>.
	AttachmentsPath string
	ExportPath      string
	WebhooksPath    string

	CursorParam        string
	PageSizeParam      string
	ModifiedSinceParam string
	// SearchParam carries SyncOptions.Search; empty means the vendor has
	// no free-text search.
	SearchParam string

	IdempotencyHeader string
	IdempotencyParam  string
	SignatureHeader   string

	RateLimit RateLimitHeaders
	// DefaultLimit and Window apply when the vendor reports only remaining.
	DefaultLimit int
	Window       time.Duration

	Capabilities []provider.Capability
}

func entityCaps(types ...models.EntityType) []provider.Capability {
	out := make([]provider.Capability, 0, len(types))
	for _, t := range types {
		out = append(out, provider.EntityCapability(t))
	}
	return out
}

func caps(base []provider.Capability, types ...models.EntityType) []provider.Capability {
	return append(append([]provider.Capability{}, base...), entityCaps(types...)...)
}

var defaultRateHeaders = RateLimitHeaders{
	Limit:     "X-RateLimit-Limit",
	Remaining: "X-RateLimit-Remaining",
	Reset:     "X-RateLimit-Reset",
}

// Xero covers contacts, invoices and bank transactions.
var Xero = Dialect{
	Name:          "xero",
	Version:       "2.0",
	AuthURL:       "https://login.xero.com/identity/connect/authorize",
	TokenURL:      "https://identity.xero.com/connect/token",
	RevokeURL:     "https://identity.xero.com/connect/revocation",
	DefaultScopes: []string{"offline_access", "accounting.transactions", "accounting.contacts"},
	ProductionURL: "https://api.xero.com/api.xro/2.0",
	SandboxURL:    "https://api.xero.com/api.xro/2.0",
	TenantHeader:  "Xero-tenant-id",
	Resources: map[models.EntityType]string{
		models.EntityCustomer:    "Contacts",
		models.EntityInvoice:     "Invoices",
		models.EntityTransaction: "BankTransactions",
	},
	ListParams: map[models.EntityType]map[string]string{
		models.EntityCustomer: {"where": "IsCustomer==true"},
	},
	CompanyPath:       "Organisation",
	AttachmentsPath:   "Attachments",
	CursorParam:       "page",
	SearchParam:       "searchTerm",
	IdempotencyHeader: "Idempotency-Key",
	SignatureHeader:   "x-xero-signature",
	RateLimit: RateLimitHeaders{
		Remaining: "X-MinLimit-Remaining",
		Reset:     "Retry-After",
	},
	DefaultLimit: 60,
	Window:       time.Minute,
	Capabilities: caps(
		[]provider.Capability{provider.CapAuth, provider.CapCompanyInfo, provider.CapAttachments, provider.CapRateLimitAPI, provider.CapSearch},
		models.EntityCustomer, models.EntityInvoice, models.EntityTransaction,
	),
}

// QuickBooks addresses every resource under the company (realm) id.
var QuickBooks = Dialect{
	Name:          "quickbooks",
	Version:       "3",
	AuthURL:       "https://appcenter.intuit.com/connect/oauth2",
	TokenURL:      "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer",
	RevokeURL:     "https://developer.api.intuit.com/v2/oauth2/tokens/revoke",
	DefaultScopes: []string{"com.intuit.quickbooks.accounting"},
	ProductionURL: "https://quickbooks.api.intuit.com",
	SandboxURL:    "https://sandbox-quickbooks.api.intuit.com",
	PathPrefix:    "/v3/company/{tenant}",
	Resources: map[models.EntityType]string{
		models.EntityCustomer:     "customer",
		models.EntityVendor:       "vendor",
		models.EntityInvoice:      "invoice",
		models.EntityBill:         "bill",
		models.EntityItem:         "item",
		models.EntityAccount:      "account",
		models.EntityExpense:      "purchase",
		models.EntityPayment:      "payment",
		models.EntityJournalEntry: "journalentry",
	},
	CompanyPath:        "companyinfo",
	AttachmentsPath:    "attachable",
	CursorParam:        "startposition",
	PageSizeParam:      "maxresults",
	ModifiedSinceParam: "changedsince",
	IdempotencyParam:   "requestid",
	SignatureHeader:    "intuit-signature",
	RateLimit:          defaultRateHeaders,
	DefaultLimit:       500,
	Window:             time.Minute,
	Capabilities: caps(
		[]provider.Capability{provider.CapAuth, provider.CapCompanyInfo, provider.CapFullCRUD, provider.CapAttachments, provider.CapBulk, provider.CapRateLimitAPI},
		models.EntityCustomer, models.EntityVendor, models.EntityInvoice, models.EntityBill, models.EntityItem,
		models.EntityAccount, models.EntityExpense, models.EntityPayment, models.EntityJournalEntry,
	),
}

// Fortnox has no attachment or webhook API in this integration.
var Fortnox = Dialect{
	Name:          "fortnox",
	Version:       "3",
	AuthURL:       "https://apps.fortnox.se/oauth-v1/auth",
	TokenURL:      "https://apps.fortnox.se/oauth-v1/token",
	DefaultScopes: []string{"customer", "supplier", "invoice", "supplierinvoice", "article", "bookkeeping", "companyinformation"},
	ProductionURL: "https://api.fortnox.se/3",
	SandboxURL:    "https://api.fortnox.se/3",
	Resources: map[models.EntityType]string{
		models.EntityCustomer:     "customers",
		models.EntityVendor:       "suppliers",
		models.EntityInvoice:      "invoices",
		models.EntityBill:         "supplierinvoices",
		models.EntityAccount:      "accounts",
		models.EntityItem:         "articles",
		models.EntityJournalEntry: "vouchers",
	},
	CompanyPath:        "companyinformation",
	CursorParam:        "page",
	PageSizeParam:      "limit",
	ModifiedSinceParam: "lastmodified",
	IdempotencyHeader:  "Idempotency-Key",
	RateLimit:          defaultRateHeaders,
	DefaultLimit:       25,
	Window:             5 * time.Second,
	Capabilities: caps(
		[]provider.Capability{provider.CapAuth, provider.CapCompanyInfo, provider.CapFullCRUD, provider.CapBulk, provider.CapRateLimitAPI},
		models.EntityCustomer, models.EntityVendor, models.EntityInvoice, models.EntityBill,
		models.EntityAccount, models.EntityItem, models.EntityJournalEntry,
	),
}

// Sage splits customers and vendors by contact type.
var Sage = Dialect{
	Name:          "sage",
	Version:       "3.1",
	AuthURL:       "https://www.sageone.com/oauth2/auth/central",
	TokenURL:      "https://oauth.accounting.sage.com/token",
	DefaultScopes: []string{"full_access"},
	ProductionURL: "https://api.accounting.sage.com/v3.1",
	SandboxURL:    "https://api.accounting.sage.com/v3.1",
	Resources: map[models.EntityType]string{
		models.EntityCustomer:     "contacts",
		models.EntityVendor:       "contacts",
		models.EntityInvoice:      "sales_invoices",
		models.EntityBill:         "purchase_invoices",
		models.EntityItem:         "products",
		models.EntityAccount:      "ledger_accounts",
		models.EntityExpense:      "other_payments",
		models.EntityPayment:      "contact_payments",
		models.EntityJournalEntry: "journals",
	},
	ListParams: map[models.EntityType]map[string]string{
		models.EntityCustomer: {"contact_type_id": "CUSTOMER"},
		models.EntityVendor:   {"contact_type_id": "VENDOR"},
	},
	CompanyPath:        "business",
	AttachmentsPath:    "attachments",
	CursorParam:        "page",
	PageSizeParam:      "items_per_page",
	ModifiedSinceParam: "updated_or_created_since",
	SearchParam:        "search",
	IdempotencyHeader:  "Idempotency-Key",
	RateLimit:          defaultRateHeaders,
	DefaultLimit:       100,
	Window:             time.Minute,
	Capabilities: caps(
		[]provider.Capability{provider.CapAuth, provider.CapCompanyInfo, provider.CapFullCRUD, provider.CapAttachments, provider.CapBulk, provider.CapRateLimitAPI, provider.CapSearch},
		models.EntityCustomer, models.EntityVendor, models.EntityInvoice, models.EntityBill, models.EntityItem,
		models.EntityAccount, models.EntityExpense, models.EntityPayment, models.EntityJournalEntry,
	),
}

// Dialects lists the built-in vendor dialects.
var Dialects = []Dialect{Xero, QuickBooks, Fortnox, Sage}
