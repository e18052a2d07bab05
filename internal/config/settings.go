package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const settingsDebounce = 250 * time.Millisecond

// Settings are the user-editable server settings persisted by the host.
// Zero values leave the environment value in place.
type Settings struct {
	ServerHost string `yaml:"server_host"`
	ServerPort int    `yaml:"server_port"`
}

// Apply overlays s onto base.
func (s Settings) Apply(base Server) Server {
	if s.ServerHost != "" {
		base.Host = s.ServerHost
	}
	if s.ServerPort > 0 {
		base.Port = s.ServerPort
	}
	return base
}

// LoadSettings reads the YAML settings file. A missing file yields empty
// settings.
func LoadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Settings{}, nil
		}
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parse settings %s: %w", path, err)
	}
	if s.ServerPort < 0 || s.ServerPort > 65535 {
		return Settings{}, fmt.Errorf("settings server_port out of range: %d", s.ServerPort)
	}
	return s, nil
}

// Watch calls fn with base overlaid by the reloaded settings whenever the
// file at path changes, until ctx is done. Bursts of events are debounced
// and fn is only called when the resulting Server differs from the last one.
func Watch(ctx context.Context, path string, base Server, logger *slog.Logger, fn func(Server)) error {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Editors replace files, so watch the directory.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	last := base
	if s, err := LoadSettings(path); err == nil {
		last = s.Apply(base)
	}
	reloads := make(chan struct{}, 1)
	debounced := debounce.New(settingsDebounce)
	name := filepath.Clean(path)

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != name {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				debounced(func() {
					select {
					case reloads <- struct{}{}:
					default:
					}
				})
			case <-reloads:
				s, err := LoadSettings(path)
				if err != nil {
					logger.Warn("ignoring unreadable settings", "path", path, "err", err)
					continue
				}
				next := s.Apply(base)
				if next == last {
					continue
				}
				last = next
				logger.Info("server settings changed", "host", next.Host, "port", next.Port)
				fn(next)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("settings watcher error", "err", err)
			}
		}
	}()
	return nil
}
