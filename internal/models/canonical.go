package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Address struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty" validate:"omitempty,len=2"`
}

type Customer struct {
	Base
	Name     string   `json:"name" validate:"required,max=255"`
	Email    string   `json:"email,omitempty" validate:"omitempty,email"`
	Phone    string   `json:"phone,omitempty"`
	TaxID    string   `json:"tax_id,omitempty"`
	Currency string   `json:"currency,omitempty" validate:"omitempty,len=3"`
	Address  *Address `json:"address,omitempty"`
	Active   bool     `json:"active"`
}

func (*Customer) EntityType() EntityType { return EntityCustomer }

type Vendor struct {
	Base
	Name     string   `json:"name" validate:"required,max=255"`
	Email    string   `json:"email,omitempty" validate:"omitempty,email"`
	Phone    string   `json:"phone,omitempty"`
	TaxID    string   `json:"tax_id,omitempty"`
	Currency string   `json:"currency,omitempty" validate:"omitempty,len=3"`
	Address  *Address `json:"address,omitempty"`
	Active   bool     `json:"active"`
}

func (*Vendor) EntityType() EntityType { return EntityVendor }

// LineItem is a priced line on an invoice or bill.
type LineItem struct {
	Description string          `json:"description,omitempty"`
	ItemID      string          `json:"item_id,omitempty"`
	AccountID   string          `json:"account_id,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TaxRate     decimal.Decimal `json:"tax_rate"`
	Amount      decimal.Decimal `json:"amount"`
}

type Invoice struct {
	Base
	Number     string          `json:"number,omitempty"`
	CustomerID string          `json:"customer_id" validate:"required"`
	IssueDate  time.Time       `json:"issue_date" validate:"required"`
	DueDate    *time.Time      `json:"due_date,omitempty"`
	Currency   string          `json:"currency,omitempty" validate:"omitempty,len=3"`
	Status     string          `json:"status,omitempty" validate:"omitempty,oneof=draft submitted authorised paid voided"`
	Lines      []LineItem      `json:"lines" validate:"required,min=1,dive"`
	Subtotal   decimal.Decimal `json:"subtotal"`
	TaxTotal   decimal.Decimal `json:"tax_total"`
	Total      decimal.Decimal `json:"total"`
}

func (*Invoice) EntityType() EntityType { return EntityInvoice }

type Bill struct {
	Base
	Number    string          `json:"number,omitempty"`
	VendorID  string          `json:"vendor_id" validate:"required"`
	IssueDate time.Time       `json:"issue_date" validate:"required"`
	DueDate   *time.Time      `json:"due_date,omitempty"`
	Currency  string          `json:"currency,omitempty" validate:"omitempty,len=3"`
	Status    string          `json:"status,omitempty" validate:"omitempty,oneof=draft submitted authorised paid voided"`
	Lines     []LineItem      `json:"lines" validate:"required,min=1,dive"`
	Total     decimal.Decimal `json:"total"`
}

func (*Bill) EntityType() EntityType { return EntityBill }

type Transaction struct {
	Base
	AccountID   string          `json:"account_id" validate:"required"`
	Date        time.Time       `json:"date" validate:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency,omitempty" validate:"omitempty,len=3"`
	Description string          `json:"description,omitempty"`
	Reference   string          `json:"reference,omitempty"`
	Reconciled  bool            `json:"reconciled"`
}

func (*Transaction) EntityType() EntityType { return EntityTransaction }

type Expense struct {
	Base
	EmployeeID  string          `json:"employee_id,omitempty"`
	AccountID   string          `json:"account_id" validate:"required"`
	Date        time.Time       `json:"date" validate:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency,omitempty" validate:"omitempty,len=3"`
	Description string          `json:"description,omitempty"`
	Status      string          `json:"status,omitempty" validate:"omitempty,oneof=draft submitted approved rejected"`
}

func (*Expense) EntityType() EntityType { return EntityExpense }

type JournalLine struct {
	AccountID   string          `json:"account_id" validate:"required"`
	Description string          `json:"description,omitempty"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
}

type JournalEntry struct {
	Base
	Number string        `json:"number,omitempty"`
	Date   time.Time     `json:"date" validate:"required"`
	Memo   string        `json:"memo,omitempty"`
	Posted bool          `json:"posted"`
	Lines  []JournalLine `json:"lines" validate:"required,min=2,dive"`
}

func (*JournalEntry) EntityType() EntityType { return EntityJournalEntry }

// Balanced reports whether total debits equal total credits.
func (j *JournalEntry) Balanced() bool {
	debit, credit := decimal.Zero, decimal.Zero
	for _, l := range j.Lines {
		debit = debit.Add(l.Debit)
		credit = credit.Add(l.Credit)
	}
	return debit.Equal(credit)
}

type Payment struct {
	Base
	InvoiceID string          `json:"invoice_id,omitempty"`
	BillID    string          `json:"bill_id,omitempty"`
	AccountID string          `json:"account_id,omitempty"`
	Date      time.Time       `json:"date" validate:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency,omitempty" validate:"omitempty,len=3"`
	Method    string          `json:"method,omitempty"`
	Reference string          `json:"reference,omitempty"`
}

func (*Payment) EntityType() EntityType { return EntityPayment }

type Account struct {
	Base
	Code     string `json:"code,omitempty"`
	Name     string `json:"name" validate:"required,max=255"`
	Type     string `json:"type" validate:"required,oneof=asset liability equity revenue expense"`
	Currency string `json:"currency,omitempty" validate:"omitempty,len=3"`
	Active   bool   `json:"active"`
}

func (*Account) EntityType() EntityType { return EntityAccount }

type Item struct {
	Base
	SKU         string          `json:"sku,omitempty"`
	Name        string          `json:"name" validate:"required,max=255"`
	Description string          `json:"description,omitempty"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	Active      bool            `json:"active"`
}

func (*Item) EntityType() EntityType { return EntityItem }

// Attachment is read-only metadata; the bytes stay with the provider.
type Attachment struct {
	ID          string     `json:"id"`
	EntityType  EntityType `json:"entity_type"`
	EntityID    string     `json:"entity_id"`
	FileName    string     `json:"file_name"`
	ContentType string     `json:"content_type,omitempty"`
	Size        int64      `json:"size,omitempty"`
	URL         string     `json:"url,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
}

type CompanyInfo struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	LegalName       string   `json:"legal_name,omitempty"`
	Country         string   `json:"country,omitempty"`
	BaseCurrency    string   `json:"base_currency,omitempty"`
	FiscalYearStart string   `json:"fiscal_year_start,omitempty"`
	Address         *Address `json:"address,omitempty"`
}
