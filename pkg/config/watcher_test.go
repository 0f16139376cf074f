package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
upstreams:
  urls: ["https://dns.example/dns-query"]
overrides:
  entries: {a.test: "1.2.3.4"}
`), 0o600))

	w, err := NewWatcher(path, slog.Default())
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	assert.Equal(t, "1.2.3.4", w.Config().Overrides.Entries["a.test"])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan struct{}, 1)
	w.OnChange(func(*Config) {
		select {
		case reloaded <- struct{}{}:
		default:
		}
	})
	go func() { _ = w.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`
upstreams:
  urls: ["https://dns.example/dns-query"]
overrides:
  entries: {a.test: "5.6.7.8"}
`), 0o600))

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}

	assert.Equal(t, "5.6.7.8", w.Config().Overrides.Entries["a.test"])
}
