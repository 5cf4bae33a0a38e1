package schema

import (
	"encoding/json"
	"testing"
	"time"

	v1 "ledgersync/pkg/api/v1"
	"ledgersync/pkg/constraints"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelope(tag, data string) v1.Envelope {
	return v1.Envelope{Schema: tag, UpdatedAt: time.Now(), Data: json.RawMessage(data)}
}

func TestValidator_KnowsEverySchemaTag(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	for tag := range constraints.SchemaCollections {
		assert.True(t, v.Known(tag), tag)
	}
	assert.False(t, v.Known("invoice.v9"))
}

func TestValidator_Validate(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	tests := []struct {
		name    string
		env     v1.Envelope
		wantErr error
	}{
		{
			name: "customer valid",
			env: envelope(constraints.SchemaCustomer,
				`{"id":"0b6f1b7e-1c53-4a3a-9b8e-6c1a2f0d9e11","updated_at":"2026-01-02T10:00:00Z","name":"Asha Traders","balance":120.5}`),
		},
		{
			name: "customer missing name",
			env: envelope(constraints.SchemaCustomer,
				`{"id":"0b6f1b7e-1c53-4a3a-9b8e-6c1a2f0d9e11","updated_at":"2026-01-02T10:00:00Z"}`),
			wantErr: ErrInvalidData,
		},
		{
			name: "bill with nested items",
			env: envelope(constraints.SchemaBill, `{
				"id":"5d1b7c1e-8d0e-4b8e-a6a4-1f7f8a0d2c33","updated_at":"2026-01-02T10:00:00Z",
				"invoice_number":"INV-0042","bill_date":"2026-01-02T09:58:00Z","total_amount":250,"status":"PAID",
				"items":[{"id":"7a2c9e10-3b4d-4f5e-8a9b-0c1d2e3f4a5b","updated_at":"2026-01-02T10:00:00Z",
					"bill_id":"5d1b7c1e-8d0e-4b8e-a6a4-1f7f8a0d2c33","qty":2,"price":125,"total":250}]}`),
		},
		{
			name: "bill item with zero qty",
			env: envelope(constraints.SchemaBill, `{
				"id":"5d1b7c1e-8d0e-4b8e-a6a4-1f7f8a0d2c33","updated_at":"2026-01-02T10:00:00Z",
				"invoice_number":"INV-0042","bill_date":"2026-01-02T09:58:00Z","total_amount":0,
				"items":[{"id":"7a2c9e10-3b4d-4f5e-8a9b-0c1d2e3f4a5b","updated_at":"2026-01-02T10:00:00Z",
					"bill_id":"5d1b7c1e-8d0e-4b8e-a6a4-1f7f8a0d2c33","qty":0,"price":125,"total":0}]}`),
			wantErr: ErrInvalidData,
		},
		{
			name: "stock movement bad uuid",
			env: envelope(constraints.SchemaStockMovement,
				`{"id":"not-a-uuid","updated_at":"2026-01-02T10:00:00Z","product_id":"7a2c9e10-3b4d-4f5e-8a9b-0c1d2e3f4a5b","qty_change":-1,"reason":"SALE"}`),
			wantErr: ErrInvalidData,
		},
		{
			name:    "unknown schema",
			env:     envelope("invoice.v9", `{}`),
			wantErr: ErrUnknownSchema,
		},
		{
			name:    "empty data",
			env:     envelope(constraints.SchemaProduct, ``),
			wantErr: ErrInvalidData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.env)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
