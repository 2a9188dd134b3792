package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/toolgw/gateway/internal/domain/entity"
	"go.uber.org/zap"
)

func writeRoster(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "client_config.json")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadServerRoster_MissingFileIsEmpty(t *testing.T) {
	specs, err := LoadServerRoster(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("expected missing roster to be treated as empty, got %v", err)
	}
	if len(specs) != 0 {
		t.Fatalf("expected no specs, got %+v", specs)
	}
}

func TestLoadServerRoster_ExcludesDisabledServers(t *testing.T) {
	dir := t.TempDir()
	path := writeRoster(t, dir, `{
		"mcpServers": {
			"filesystem": {"command": "mcp-filesystem", "args": ["--root", "."]},
			"scraper": {"command": "mcp-scraper"}
		},
		"_disabled_servers": ["scraper"]
	}`)

	specs, err := LoadServerRoster(path)
	if err != nil {
		t.Fatalf("LoadServerRoster: %v", err)
	}
	if len(specs) != 1 || specs[0].Name != "filesystem" {
		t.Fatalf("expected only filesystem enabled, got %+v", specs)
	}
}

func TestLoadServerRoster_MissingCommandIsConfigurationError(t *testing.T) {
	dir := t.TempDir()
	path := writeRoster(t, dir, `{"mcpServers": {"broken": {}}}`)

	if _, err := LoadServerRoster(path); err == nil {
		t.Fatal("expected an error for a server entry missing its command")
	}
}

func TestWatchServerRoster_FiresOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeRoster(t, dir, `{"mcpServers": {"filesystem": {"command": "mcp-filesystem"}}}`)

	changed := make(chan []entity.ServerSpec, 1)
	watcher, err := WatchServerRoster(path, zap.NewNop(), func(specs []entity.ServerSpec) {
		changed <- specs
	})
	if err != nil {
		t.Fatalf("WatchServerRoster: %v", err)
	}
	defer watcher.Close()

	writeRoster(t, dir, `{"mcpServers": {"filesystem": {"command": "mcp-filesystem"}, "scraper": {"command": "mcp-scraper"}}}`)

	select {
	case specs := <-changed:
		if len(specs) != 2 {
			t.Fatalf("expected 2 specs after roster edit, got %+v", specs)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for roster change notification")
	}
}
