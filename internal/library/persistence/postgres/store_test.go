package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"image"
	"os"
	"testing"

	"mezocore/internal/library/persistence"
	"mezocore/pkg/domain"
)

func TestNewStorePropagatesOpenError(t *testing.T) {
	restore := OverrideSQLOpen(func(driverName, dsn string) (*sql.DB, error) {
		if driverName != defaultDriver {
			t.Fatalf("unexpected driver %q", driverName)
		}
		return nil, fmt.Errorf("refused")
	})
	defer restore()

	if _, err := NewStore(context.Background(), "postgres://example/db"); err == nil {
		t.Fatalf("expected open failure to propagate")
	}
}

// TestPostgresRoundTrip exercises a live server when one is provided; it is
// skipped otherwise so the suite stays self-contained.
func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("MEZOCORE_POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("MEZOCORE_POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	store, err := NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer func() { _ = store.Close() }()

	want := persistence.Snapshot{
		Samples: []domain.SampleRecord{{ID: "s1", Name: "pitch-1"}},
		Masks: map[string]domain.MaskSnapshot{
			"img1": {
				Version: domain.SnapshotVersion, Width: 8, Height: 8,
				Masks: []domain.Mask{{
					ID: "m1", Source: domain.MaskSourceManual,
					Category: domain.CategoryIsotropic,
					Region:   domain.FromRect(8, 8, image.Rect(0, 0, 4, 4)),
				}},
				NextOrder: 1,
			},
		},
	}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Samples) != 1 || got.Samples[0].ID != "s1" {
		t.Fatalf("samples did not round trip: %+v", got.Samples)
	}
	if _, ok := got.Masks["img1"]; !ok {
		t.Fatalf("mask snapshot missing")
	}
}
