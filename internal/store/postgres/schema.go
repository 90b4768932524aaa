package postgres

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		sku TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		price NUMERIC(14,2) NOT NULL CHECK (price >= 0),
		cost_price NUMERIC(14,2) NOT NULL DEFAULT 0,
		tax_rate NUMERIC(5,2) NOT NULL DEFAULT 0 CHECK (tax_rate BETWEEN 0 AND 100),
		current_stock INTEGER NOT NULL DEFAULT 0 CHECK (current_stock >= 0),
		low_stock_threshold INTEGER NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS stock_entries (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL REFERENCES products(id),
		quantity_change INTEGER NOT NULL,
		previous_stock INTEGER NOT NULL,
		new_stock INTEGER NOT NULL CHECK (new_stock >= 0),
		reason TEXT NOT NULL,
		reference TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS stock_entries_product_idx ON stock_entries (product_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS sequences (
		kind TEXT PRIMARY KEY,
		prefix TEXT NOT NULL,
		next_value BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		invoice_no TEXT NOT NULL UNIQUE,
		idempotency_key TEXT UNIQUE,
		cashier_id TEXT NOT NULL,
		customer_id TEXT,
		subtotal NUMERIC(14,2) NOT NULL,
		discount_percent NUMERIC(5,2) NOT NULL DEFAULT 0,
		discount_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
		tax_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
		grand_total NUMERIC(14,2) NOT NULL,
		payment_method TEXT NOT NULL,
		amount_paid NUMERIC(14,2) NOT NULL,
		change_amount NUMERIC(14,2) NOT NULL,
		status TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS sales_created_idx ON sales (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS sale_items (
		sale_id TEXT NOT NULL REFERENCES sales(id),
		line_no INTEGER NOT NULL,
		product_id TEXT NOT NULL REFERENCES products(id),
		name TEXT NOT NULL,
		sku TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity >= 1),
		unit_price NUMERIC(14,2) NOT NULL,
		tax_rate NUMERIC(5,2) NOT NULL,
		subtotal NUMERIC(14,2) NOT NULL,
		tax_amount NUMERIC(14,2) NOT NULL,
		line_total NUMERIC(14,2) NOT NULL,
		PRIMARY KEY (sale_id, line_no)
	)`,
	`CREATE TABLE IF NOT EXISTS sale_refunds (
		return_no TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL REFERENCES sales(id),
		type TEXT NOT NULL,
		item_indices TEXT NOT NULL DEFAULT '[]',
		amount NUMERIC(14,2) NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS sale_refunds_sale_idx ON sale_refunds (sale_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS purchase_orders (
		id TEXT PRIMARY KEY,
		order_no TEXT NOT NULL UNIQUE,
		supplier TEXT NOT NULL,
		status TEXT NOT NULL,
		created_by TEXT NOT NULL,
		received_by TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		received_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS purchase_order_items (
		purchase_order_id TEXT NOT NULL REFERENCES purchase_orders(id),
		line_no INTEGER NOT NULL,
		product_id TEXT NOT NULL REFERENCES products(id),
		quantity INTEGER NOT NULL CHECK (quantity >= 1),
		unit_cost NUMERIC(14,2) NOT NULL,
		PRIMARY KEY (purchase_order_id, line_no)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS app_users (
		username TEXT PRIMARY KEY,
		password TEXT NOT NULL,
		role TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate creates the schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i+1, err)
		}
	}
	return nil
}
