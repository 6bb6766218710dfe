// Package drivertest wires a localdriver into a test's lifecycle.
package drivertest

import (
	"context"
	"testing"

	"github.com/danmuck/tensorpool/internal/localdriver"
	"github.com/danmuck/tensorpool/internal/transport"
)

type (
	Driver = localdriver.Driver
	Config = localdriver.Config
)

func DefaultConfig(dir string) Config { return localdriver.DefaultConfig(dir) }

// Start is localdriver.New for tests: regions go under t.TempDir when
// cfg.Dir is empty and the driver is closed on cleanup.
func Start(t testing.TB, tr transport.Transport, cfg Config) *Driver {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	d, err := localdriver.New(tr, cfg)
	if err != nil {
		t.Fatalf("drivertest.Start: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// RunInBackground runs d until the test ends.
func RunInBackground(t testing.TB, d *Driver) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}
