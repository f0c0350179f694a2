//go:build integration

package testhelpers

import (
	"context"
	"testing"
)

func TestCatalogDB_MigrationsApplied(t *testing.T) {
	catalog := GetCatalogDB(t)

	ctx := context.Background()

	for _, table := range []string{"datasources", "mappings"} {
		var exists bool
		err := catalog.DB.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)",
			table).Scan(&exists)
		if err != nil {
			t.Fatalf("failed to check table %s: %v", table, err)
		}
		if !exists {
			t.Errorf("expected table %s to exist after migrations", table)
		}
	}
}

func TestCatalogDB_Reset(t *testing.T) {
	catalog := GetCatalogDB(t)
	catalog.Reset(t)

	var count int
	if err := catalog.DB.QueryRow(context.Background(), "SELECT COUNT(*) FROM datasources").Scan(&count); err != nil {
		t.Fatalf("failed to count datasources: %v", err)
	}
	if count != 0 {
		t.Errorf("expected empty datasources table, got %d rows", count)
	}
}

func TestMySQL_Connection(t *testing.T) {
	my := GetMySQL(t)

	var name string
	if err := my.DB.QueryRowContext(context.Background(), "SELECT DATABASE()").Scan(&name); err != nil {
		t.Fatalf("failed to query mysql: %v", err)
	}
	if name != my.Database {
		t.Errorf("expected database %q, got %q", my.Database, name)
	}
}
