// Package testdb opens isolated in-memory SQLite databases carrying the billing schema for repository tests.
package testdb

import (
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var schema = []string{
	`CREATE TABLE products (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  description TEXT,
  price INTEGER NOT NULL,
  billing_period TEXT NOT NULL,
  is_active BOOLEAN NOT NULL DEFAULT 1,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE TABLE contracts (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  contract_type TEXT NOT NULL DEFAULT 'pending',
  status TEXT NOT NULL DEFAULT 'pending_signature',
  authority TEXT,
  signature TEXT,
  mobile TEXT NOT NULL,
  bank_code TEXT,
  bank_name TEXT,
  max_daily_count INTEGER NOT NULL,
  max_monthly_count INTEGER NOT NULL,
  max_amount INTEGER NOT NULL,
  expires_at DATETIME NOT NULL,
  is_primary BOOLEAN NOT NULL DEFAULT 0,
  is_active BOOLEAN NOT NULL DEFAULT 0,
  failure_reason TEXT,
  verified_at DATETIME,
  cancelled_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE UNIQUE INDEX ux_contracts_authority ON contracts (authority) WHERE authority IS NOT NULL;`,
	`CREATE UNIQUE INDEX ux_contracts_primary ON contracts (user_id) WHERE is_primary = 1 AND status = 'active';`,
	`CREATE TABLE subscriptions (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  product_id TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  start_date DATETIME,
  end_date DATETIME,
  next_billing_date DATETIME,
  price INTEGER NOT NULL,
  billing_period TEXT NOT NULL,
  contract_id TEXT,
  pending_product_id TEXT,
  pending_price INTEGER,
  proration_credit INTEGER NOT NULL DEFAULT 0,
  cancellation_reason TEXT,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE UNIQUE INDEX ux_subscriptions_active_user_product ON subscriptions (user_id, product_id) WHERE status = 'active';`,
	`CREATE TABLE payments (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  subscription_id TEXT,
  contract_id TEXT,
  amount INTEGER NOT NULL,
  settlement_amount INTEGER NOT NULL,
  currency TEXT NOT NULL,
  description TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  authority TEXT,
  reference_id TEXT,
  card_pan TEXT,
  card_hash TEXT,
  fee INTEGER,
  failure_reason TEXT,
  paid_at DATETIME,
  failed_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE UNIQUE INDEX ux_payments_authority ON payments (authority) WHERE authority IS NOT NULL;`,
	`CREATE TABLE billing_events (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  subscription_id TEXT,
  payment_id TEXT,
  contract_id TEXT,
  event_type TEXT NOT NULL,
  event_data TEXT NOT NULL,
  severity TEXT NOT NULL DEFAULT 'info',
  created_at DATETIME
);`,
	`CREATE TABLE outbox_events (
  id TEXT PRIMARY KEY,
  event_type TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  payload TEXT NOT NULL,
  created_at DATETIME,
  published_at DATETIME,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT,
  terminal_at DATETIME
);`,
	`CREATE TABLE webhook_events (
  id TEXT PRIMARY KEY,
  source TEXT NOT NULL,
  event_type TEXT NOT NULL,
  authority TEXT,
  payload TEXT NOT NULL,
  processed BOOLEAN NOT NULL DEFAULT 0,
  processed_at DATETIME,
  forwarded BOOLEAN NOT NULL DEFAULT 0,
  forwarded_at DATETIME,
  forwarding_error TEXT,
  processing_error TEXT,
  created_at DATETIME
);`,
	`CREATE TABLE dispatch_dead_letters (
  id TEXT PRIMARY KEY,
  endpoint_id TEXT NOT NULL,
  event_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  attempts INTEGER NOT NULL,
  last_status INTEGER,
  last_error TEXT NOT NULL,
  payload TEXT NOT NULL,
  failed_at DATETIME
);`,
}

// New returns a fresh database with every billing table created. Each call gets its own
// named in-memory database so tests do not share rows.
func New(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// Keep one connection so the named in-memory database outlives idle connection churn.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}
