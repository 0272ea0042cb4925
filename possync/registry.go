// Copyright 2025 Creativos Retail
// SPDX-License-Identifier: Apache-2.0

package possync

// DefaultRegistry returns the registry for the POS schema shared by all
// devices. The whitelists must match the backend columns exactly: a column
// listed here that the backend lacks makes every push of that table fail with
// a schema rejection.
func DefaultRegistry() *Registry {
	r, err := NewRegistry([]TableSpec{
		{
			Name: "products",
			Fields: []string{
				"id", "name", "code", "price", "cost", "stock",
				"category", "tax_rate", "image_refs", "created_at", "updated_at",
			},
			JSONFields:   map[string]string{"image_refs": "[]"},
			StockBearing: true,
		},
		{
			Name: "customers",
			Fields: []string{
				"id", "name", "email", "phone", "points", "notes",
				"created_at", "updated_at",
			},
		},
		{
			Name: "sales",
			Fields: []string{
				"id", "customer_id", "items", "total", "balance",
				"payment_method", "fulfillment", "invoice_number",
				"sale_date", "updated_at",
			},
			JSONFields:   map[string]string{"items": "[]"},
			DateFallback: "sale_date",
		},
		{
			Name: "credit_accounts",
			Fields: []string{
				"id", "sale_id", "customer_id", "total_amount",
				"paid_amount", "payments", "updated_at",
			},
			JSONFields: map[string]string{"payments": "[]"},
		},
		{
			Name: "app_users",
			Fields: []string{
				"id", "name", "email", "role", "pin_hash", "updated_at",
			},
			// Email is unique across the whole backend; one duplicate must
			// not reject a batch of otherwise fine accounts.
			PerRecord: true,
		},
		{
			Name: "inventory_movements",
			Fields: []string{
				"id", "product_id", "delta", "reason",
				"created_at", "updated_at",
			},
		},
		{
			Name: "activity_logs",
			Fields: []string{
				"id", "actor", "action", "details", "created_at", "updated_at",
			},
			JSONFields: map[string]string{"details": "{}"},
			Heavy:      true,
		},
		{
			Name: "settings",
			Fields: []string{
				"id", "store_name", "receipt_footer", "invoice_number",
				"ticket_number", "product_code_seq", "quote_number",
				"updated_at",
			},
			Singleton: true,
			LocalFields: []string{
				"device_id", "backend_url", "backend_key",
				"last_cloud_push", "last_cloud_sync",
			},
			CounterFields: []string{
				"invoice_number", "ticket_number",
				"product_code_seq", "quote_number",
			},
		},
	})
	if err != nil {
		// Static specs above; a failure here is a programming error.
		panic(err)
	}
	return r
}
