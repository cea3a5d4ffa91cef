package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityTypes(t *testing.T) {
	for _, et := range EntityTypes {
		t.Run(string(et), func(t *testing.T) {
			assert.True(t, et.Valid())
			e, err := NewEntity(et)
			require.NoError(t, err)
			assert.Equal(t, et, e.EntityType())
		})
	}

	_, err := NewEntity("widget")
	assert.Error(t, err)
	assert.False(t, EntityType("widget").Valid())
}

func TestEntityType_NilReceiver(t *testing.T) {
	var c *Customer
	assert.Equal(t, EntityCustomer, c.EntityType())
}

func TestDecodeEntity(t *testing.T) {
	e, err := DecodeEntity(EntityInvoice, []byte(`{"id":"INV-1","sync_token":"3","customer_id":"C-1","total":"12.50","lines":[{"amount":"12.50"}]}`))
	require.NoError(t, err)

	inv, ok := e.(*Invoice)
	require.True(t, ok)
	assert.Equal(t, "INV-1", inv.ExternalID())
	assert.Equal(t, "3", inv.Version())
	assert.True(t, inv.Total.Equal(decimal.RequireFromString("12.5")))

	_, err = DecodeEntity(EntityInvoice, []byte(`{not json`))
	assert.Error(t, err)
}

func TestJournalEntry_Balanced(t *testing.T) {
	j := &JournalEntry{Lines: []JournalLine{
		{AccountID: "1", Debit: decimal.NewFromInt(100)},
		{AccountID: "2", Credit: decimal.NewFromInt(100)},
	}}
	assert.True(t, j.Balanced())

	j.Lines[1].Credit = decimal.NewFromInt(90)
	assert.False(t, j.Balanced())
}

func TestExportStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to ExportStatus
		ok       bool
	}{
		{ExportPending, ExportProcessing, true},
		{ExportPending, ExportCancelled, true},
		{ExportProcessing, ExportCompleted, true},
		{ExportProcessing, ExportFailed, true},
		{ExportProcessing, ExportCancelled, true},
		{ExportPending, ExportCompleted, false},
		{ExportPending, ExportFailed, false},
		{ExportCompleted, ExportCancelled, false},
		{ExportFailed, ExportProcessing, false},
		{ExportCancelled, ExportPending, false},
		{ExportProcessing, ExportPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}

	assert.True(t, ExportCancelled.Terminal())
	assert.False(t, ExportProcessing.Terminal())
}

func TestToken_Expired(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.False(t, Token{}.Expired(now, time.Minute))
	assert.True(t, Token{Expiry: now.Add(30 * time.Second)}.Expired(now, time.Minute))
	assert.False(t, Token{Expiry: now.Add(time.Hour)}.Expired(now, time.Minute))
}

func TestSyncOptions_Limit(t *testing.T) {
	assert.Equal(t, DefaultPageSize, SyncOptions{}.Limit())
	assert.Equal(t, 50, SyncOptions{PageSize: 50}.Limit())
	assert.Equal(t, MaxPageSize, SyncOptions{PageSize: 5000}.Limit())
}

func TestQueueJob_Exhausted(t *testing.T) {
	j := &QueueJob{MaxRetries: 2}
	assert.False(t, j.Exhausted())
	j.RetryCount = 2
	assert.True(t, j.Exhausted())
	assert.True(t, JobFailed.Terminal())
	assert.False(t, JobPending.Terminal())
}

func TestOperation_Mutating(t *testing.T) {
	assert.True(t, OpCreate.Mutating())
	assert.True(t, OpBulkDelete.Mutating())
	assert.False(t, OpList.Mutating())
	assert.False(t, OpExport.Mutating())
}
