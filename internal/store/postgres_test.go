package store

import (
	"context"
	"os"
	"testing"
)

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("ROOMSYNC_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("ROOMSYNC_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	if err := RunMigrations(ctx, url); err != nil {
		t.Fatal(err)
	}
	// A second run must be a no-op.
	if err := RunMigrations(ctx, url); err != nil {
		t.Fatal(err)
	}

	s, err := NewPostgresStore(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	runDataStoreSuite(t, s)
}
