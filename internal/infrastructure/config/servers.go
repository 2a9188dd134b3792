package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/toolgw/gateway/internal/domain/entity"
	gwerrors "github.com/toolgw/gateway/pkg/errors"
	"go.uber.org/zap"
)

// serverRoster is the on-disk shape of the server roster file: a map of
// server name to its spawn descriptor, plus a sibling set of names
// temporarily disabled without deleting their entry (spec.md §6).
type serverRoster struct {
	MCPServers       map[string]serverEntry `json:"mcpServers"`
	DisabledServers  []string               `json:"_disabled_servers"`
}

type serverEntry struct {
	Command     string            `json:"command"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Description string            `json:"description,omitempty"`
}

// LoadServerRoster reads the roster file at path and returns the set of
// enabled server specs. A missing file is not an error — it yields zero
// servers, matching a gateway with no tool servers configured yet.
func LoadServerRoster(path string) ([]entity.ServerSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, gwerrors.Wrap(gwerrors.KindConfiguration, "failed to read server roster", err)
	}

	var roster serverRoster
	if err := json.Unmarshal(data, &roster); err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindConfiguration, "malformed server roster JSON", err)
	}

	disabled := make(map[string]bool, len(roster.DisabledServers))
	for _, name := range roster.DisabledServers {
		disabled[name] = true
	}

	specs := make([]entity.ServerSpec, 0, len(roster.MCPServers))
	for name, entry := range roster.MCPServers {
		if disabled[name] {
			continue
		}
		if entry.Command == "" {
			return nil, gwerrors.New(gwerrors.KindConfiguration, "server "+name+" is missing a command")
		}
		specs = append(specs, entity.ServerSpec{
			Name:        name,
			Command:     entry.Command,
			Args:        entry.Args,
			Env:         entry.Env,
			Description: entry.Description,
		})
	}
	return specs, nil
}

// RosterWatcher watches a server roster file for changes and invokes
// onChange with the freshly parsed spec list, so the Client Registry can
// re-evaluate which servers should be connected (spec.md §6 hot reload).
type RosterWatcher struct {
	watcher *fsnotify.Watcher
	logger  *zap.Logger
	done    chan struct{}
}

// WatchServerRoster starts watching path's containing directory (fsnotify
// requires watching a directory to reliably catch editor rename-based
// saves) and calls onChange whenever path itself is written or renamed
// into place.
func WatchServerRoster(path string, logger *zap.Logger, onChange func([]entity.ServerSpec)) (*RosterWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindConfiguration, "failed to create roster watcher", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, gwerrors.Wrap(gwerrors.KindConfiguration, "failed to watch roster directory", err)
	}

	rw := &RosterWatcher{watcher: watcher, logger: logger, done: make(chan struct{})}
	go rw.loop(path, onChange)
	return rw, nil
}

func (rw *RosterWatcher) loop(path string, onChange func([]entity.ServerSpec)) {
	for {
		select {
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			specs, err := LoadServerRoster(path)
			if err != nil {
				rw.logger.Warn("roster reload failed, keeping previous roster", zap.Error(err))
				continue
			}
			onChange(specs)
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			rw.logger.Warn("roster watcher error", zap.Error(err))
		case <-rw.done:
			return
		}
	}
}

// Close stops the watcher.
func (rw *RosterWatcher) Close() error {
	close(rw.done)
	return rw.watcher.Close()
}
