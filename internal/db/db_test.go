package db

import (
	"context"
	"os"
	"strings"
	"testing"
)

func TestSchemaIsIdempotent(t *testing.T) {
	for i, q := range schema {
		if !strings.Contains(q, "IF NOT EXISTS") {
			t.Errorf("statement %d is not idempotent: %s", i, strings.SplitN(strings.TrimSpace(q), "\n", 2)[0])
		}
	}
}

func TestMessagesDedupConstraint(t *testing.T) {
	var found bool
	for _, q := range schema {
		if strings.Contains(q, "TABLE IF NOT EXISTS messages") {
			found = strings.Contains(q, "UNIQUE (sender_id, idempotency_key)")
		}
	}
	if !found {
		t.Error("messages table lacks the idempotency constraint")
	}
}

// Runs only against a real database: MESSENGER_TEST_DSN=postgres://...
func TestAutoMigrateLive(t *testing.T) {
	dsn := os.Getenv("MESSENGER_TEST_DSN")
	if dsn == "" {
		t.Skip("MESSENGER_TEST_DSN not set")
	}
	ctx := context.Background()
	d, err := NewDatabase(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	for i := 0; i < 2; i++ {
		if err := d.AutoMigrate(ctx); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
}
