package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/sealbid/auctiond/internal/clock"
	"github.com/sealbid/auctiond/internal/config"
	"github.com/sealbid/auctiond/internal/store"
)

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := store.Open(context.Background(), config.DatabaseConfig{Driver: "bogus"}, clock.Real{})
	if err == nil {
		t.Fatal("expected error for unregistered driver")
	}
}

func TestOpen_RegisteredDriver(t *testing.T) {
	called := false
	store.Register("fake", func(_ context.Context, cfg config.DatabaseConfig, _ clock.Clock) (*store.Repositories, error) {
		called = true
		if cfg.DBName != "auctiond" {
			t.Errorf("DBName = %q, want auctiond", cfg.DBName)
		}
		return &store.Repositories{}, nil
	})

	repos, err := store.Open(context.Background(),
		config.DatabaseConfig{Driver: "fake", DBName: "auctiond"},
		clock.NewMock(time.Unix(0, 0)))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if repos == nil || !called {
		t.Fatal("driver was not invoked")
	}
}
