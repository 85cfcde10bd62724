// Package testutil opens in-memory SQLite databases carrying the service schema.
package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

// Tables lists the DDL for every table, keyed by table name.
var Tables = map[string][]string{
	"user_profiles": {
		`CREATE TABLE user_profiles (
			user_id BIGINT PRIMARY KEY,
			email TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'default',
			access_role TEXT NOT NULL DEFAULT 'user',
			country_code TEXT NOT NULL DEFAULT '',
			vat_number TEXT,
			vat_verified BOOLEAN NOT NULL DEFAULT FALSE,
			tax_exempt BOOLEAN NOT NULL DEFAULT FALSE,
			external_customer_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	},
	"fee_tiers": {
		`CREATE TABLE fee_tiers (
			id BIGINT PRIMARY KEY,
			role TEXT NOT NULL,
			order_type TEXT NOT NULL,
			fee_percent NUMERIC NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_fee_tiers_role_order_type ON fee_tiers(role, order_type)`,
	},
	"tax_jurisdictions": {
		`CREATE TABLE tax_jurisdictions (
			country_code TEXT PRIMARY KEY,
			bloc TEXT NOT NULL DEFAULT '',
			standard_rate NUMERIC NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
	},
	"invoices": {
		`CREATE TABLE invoices (
			id BIGINT PRIMARY KEY,
			document_type TEXT NOT NULL,
			status TEXT NOT NULL,
			order_id TEXT NOT NULL,
			seller_id BIGINT NOT NULL,
			buyer_id BIGINT NOT NULL,
			original_invoice_id BIGINT,
			invoice_sequence BIGINT,
			invoice_number TEXT,
			currency TEXT NOT NULL,
			seller_snapshot TEXT NOT NULL,
			buyer_snapshot TEXT NOT NULL,
			tax_treatment TEXT NOT NULL,
			vat_rate NUMERIC NOT NULL,
			net_amount BIGINT NOT NULL,
			vat_amount BIGINT NOT NULL,
			gross_amount BIGINT NOT NULL,
			subtotal BIGINT NOT NULL,
			total BIGINT NOT NULL,
			fee_percent NUMERIC,
			note TEXT NOT NULL DEFAULT '',
			issued_at DATETIME,
			sent_at DATETIME,
			paid_at DATETIME,
			voided_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_invoices_type_sequence ON invoices(document_type, invoice_sequence)`,
		`CREATE UNIQUE INDEX ux_invoices_order_document ON invoices(order_id, document_type) WHERE document_type IN ('invoice', 'platform_fee')`,
		`CREATE UNIQUE INDEX ux_invoices_credit_note_original ON invoices(original_invoice_id) WHERE document_type = 'credit_note'`,
		`CREATE TABLE invoice_line_items (
			id BIGINT PRIMARY KEY,
			invoice_id BIGINT NOT NULL,
			position INTEGER NOT NULL,
			description TEXT NOT NULL,
			quantity BIGINT NOT NULL,
			unit_amount BIGINT NOT NULL,
			amount BIGINT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
	},
	"bank_transfer_requests": {
		`CREATE TABLE bank_transfer_requests (
			id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			processor_reference_id TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			instructions TEXT NOT NULL,
			reference_number TEXT NOT NULL DEFAULT '',
			hosted_instructions_url TEXT NOT NULL DEFAULT '',
			expires_at DATETIME NOT NULL,
			completed_at DATETIME,
			failure_reason TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_bank_transfer_processor_ref ON bank_transfer_requests(processor_reference_id)`,
	},
	"user_subscriptions": {
		`CREATE TABLE user_subscriptions (
			id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			external_subscription_id TEXT NOT NULL,
			external_customer_id TEXT NOT NULL DEFAULT '',
			tier TEXT NOT NULL,
			billing_period TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			current_period_start DATETIME,
			current_period_end DATETIME,
			cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
			trial_end DATETIME,
			canceled_at DATETIME,
			last_event_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_user_subscriptions_user ON user_subscriptions(user_id)`,
		`CREATE UNIQUE INDEX ux_user_subscriptions_external ON user_subscriptions(external_subscription_id)`,
	},
	"canceled_subscriptions": {
		`CREATE TABLE canceled_subscriptions (
			external_subscription_id TEXT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			canceled_at DATETIME NOT NULL
		)`,
	},
	"ledger_adjustments": {
		`CREATE TABLE ledger_adjustments (
			id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			type TEXT NOT NULL,
			reference_type TEXT NOT NULL,
			reference_id TEXT NOT NULL,
			external_transaction_id TEXT,
			description TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_ledger_adjustments_reference ON ledger_adjustments(reference_type, reference_id)`,
		`CREATE UNIQUE INDEX ux_ledger_adjustments_external_tx ON ledger_adjustments(external_transaction_id) WHERE external_transaction_id IS NOT NULL`,
		`CREATE TABLE user_balances (
			user_id BIGINT NOT NULL,
			currency TEXT NOT NULL,
			balance BIGINT NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (user_id, currency)
		)`,
	},
	"processor_events": {
		`CREATE TABLE processor_events (
			id BIGINT PRIMARY KEY,
			provider TEXT NOT NULL,
			provider_event_id TEXT NOT NULL,
			event_kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			received_at DATETIME NOT NULL,
			processed_at DATETIME
		)`,
		`CREATE UNIQUE INDEX ux_processor_events_provider_event_id ON processor_events(provider, provider_event_id)`,
	},
	"audit_logs": {
		`CREATE TABLE audit_logs (
			id BIGINT PRIMARY KEY,
			actor_type TEXT NOT NULL,
			actor_id TEXT,
			action TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id TEXT,
			metadata TEXT,
			ip_address TEXT,
			user_agent TEXT,
			created_at DATETIME NOT NULL
		)`,
	},
}

// OpenSQLite opens a private in-memory database and applies the named tables.
// With no names every table is created.
func OpenSQLite(t *testing.T, tables ...string) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	if len(tables) == 0 {
		for name := range Tables {
			tables = append(tables, name)
		}
	}
	for _, name := range tables {
		stmts, ok := Tables[name]
		if !ok {
			t.Fatalf("unknown table %q", name)
		}
		for _, stmt := range stmts {
			if err := db.Exec(stmt).Error; err != nil {
				t.Fatalf("apply schema %s: %v", name, err)
			}
		}
	}
	return db
}

// AssertCount fails the test unless query returns want.
func AssertCount(t *testing.T, db *gorm.DB, query string, want int64, args ...any) {
	t.Helper()
	var got int64
	if err := db.Raw(query, args...).Scan(&got).Error; err != nil {
		t.Fatalf("count query: %v", err)
	}
	if got != want {
		t.Fatalf("expected %d rows for %q, got %d", want, query, got)
	}
}

// SeedProfile inserts a user profile row.
func SeedProfile(t *testing.T, db *gorm.DB, userID int64, role, country string, vatNumber *string, vatVerified, taxExempt bool) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	err := db.Exec(
		`INSERT INTO user_profiles (user_id, email, role, access_role, country_code, vat_number, vat_verified, tax_exempt, created_at, updated_at)
		 VALUES (?, ?, ?, 'user', ?, ?, ?, ?, ?, ?)`,
		userID, fmt.Sprintf("user%d@example.com", userID), role, country, vatNumber, vatVerified, taxExempt, now, now,
	).Error
	if err != nil {
		t.Fatalf("seed profile: %v", err)
	}
}
