package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

func TestIsUniqueViolation(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		constraint string
		want       bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "pgconn any constraint", err: &pgconn.PgError{Code: "23505", ConstraintName: "ux_subscriptions_active"}, want: true},
		{name: "pgconn matching constraint", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "ux_subscriptions_active"}), constraint: "ux_subscriptions_active", want: true},
		{name: "pgconn other constraint", err: &pgconn.PgError{Code: "23505", ConstraintName: "ux_payments_authority"}, constraint: "ux_subscriptions_active", want: false},
		{name: "pgconn other code", err: &pgconn.PgError{Code: "23503"}, want: false},
		{name: "pq unique", err: &pq.Error{Code: "23505", Constraint: "ux_contracts_primary"}, constraint: "ux_contracts_primary", want: true},
		{name: "pq other code", err: &pq.Error{Code: "40001"}, want: false},
		{name: "sqlite message", err: errors.New("UNIQUE constraint failed: payments.authority"), want: true},
		{name: "plain message", err: errors.New("boom"), want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsUniqueViolation(tc.err, tc.constraint); got != tc.want {
				t.Fatalf("IsUniqueViolation() = %v, want %v", got, tc.want)
			}
		})
	}
}
