package utils

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolation(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "jobs_one_active_per_call"}
	wrapped := fmt.Errorf("insert job: %w", pgErr)

	if !IsUniqueViolation(wrapped, "") {
		t.Fatalf("expected unique violation")
	}
	if !IsUniqueViolation(wrapped, "jobs_one_active_per_call") {
		t.Fatalf("expected constraint match")
	}
	if IsUniqueViolation(wrapped, "other_constraint") {
		t.Fatalf("expected constraint mismatch")
	}
	if IsUniqueViolation(&pgconn.PgError{Code: "23503"}, "") {
		t.Fatalf("foreign key violation is not a unique violation")
	}
	if IsUniqueViolation(errors.New("x"), "") {
		t.Fatalf("plain error is not a unique violation")
	}
}

func TestLockKey_StableAndSeparated(t *testing.T) {
	a := LockKey("seller-1", "919876543210")
	if a != LockKey("seller-1", "919876543210") {
		t.Fatalf("expected stable key")
	}
	// part boundaries matter
	if LockKey("ab", "c") == LockKey("a", "bc") {
		t.Fatalf("expected different keys for different part splits")
	}
}

func TestPoolDefaults(t *testing.T) {
	c := PostgresPoolConfig{}.withDefaults()
	if c.MaxOpenConns != 25 || c.PingTimeout != 5*time.Second {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	c = PostgresPoolConfig{MaxOpenConns: 4}.withDefaults()
	if c.MaxOpenConns != 4 {
		t.Fatalf("explicit values must win")
	}
}
