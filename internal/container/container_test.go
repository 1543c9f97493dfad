package container

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
	"time"

	"apparel/catalog/internal/config"
)

func TestRestoreRejectsMissingArchive(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Host = "127.0.0.1"
	cfg.Database.Port = 1
	cfg.Database.AcquireTimeout = 100 * time.Millisecond

	start := time.Now()
	err := Restore(context.Background(), cfg, filepath.Join(t.TempDir(), "missing.tar.gz"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected a missing archive error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("restore must fail before connecting anywhere")
	}
}
