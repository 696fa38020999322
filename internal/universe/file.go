package universe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"perpdesk/internal/config"
	"perpdesk/internal/logger"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// File reads a YAML symbol list, either a bare sequence or a document with
// a "symbols" key, and reloads it when the file changes.
type File struct {
	path string

	mu      sync.RWMutex
	symbols []string
	loadErr error
}

func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("universe: file source needs a path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	f := &File{path: abs}
	if err := f.reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) Name() string { return config.UniverseFile }

// List returns the last successfully loaded list. A failed reload keeps the
// previous one.
func (f *File) List(context.Context) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.symbols) == 0 {
		if f.loadErr != nil {
			return nil, f.loadErr
		}
		return nil, ErrEmpty
	}
	return append([]string(nil), f.symbols...), nil
}

func (f *File) reload() error {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return f.fail(fmt.Errorf("universe: reading %s: %w", f.path, err))
	}
	syms, err := parseYAML(raw)
	if err != nil {
		return f.fail(fmt.Errorf("universe: parsing %s: %w", f.path, err))
	}
	norm, err := Normalize(syms)
	if err != nil {
		return f.fail(err)
	}
	f.mu.Lock()
	f.symbols = norm
	f.loadErr = nil
	f.mu.Unlock()
	logger.Infof("universe: loaded %d symbols from %s", len(norm), f.path)
	return nil
}

func (f *File) fail(err error) error {
	f.mu.Lock()
	f.loadErr = err
	f.mu.Unlock()
	return err
}

func parseYAML(raw []byte) ([]string, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if err := validateList(doc); err != nil {
		return nil, err
	}
	var list []string
	if err := yaml.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Symbols []string `yaml:"symbols"`
	}
	if err := yaml.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Symbols, nil
}

// Watch reloads the list on every change to the file until ctx ends. The
// directory is watched so that editors replacing the file are seen.
func (f *File) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(f.path)); err != nil {
		_ = w.Close()
		return err
	}
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != f.path {
					continue
				}
				if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
					continue
				}
				if err := f.reload(); err != nil {
					logger.Errorf("universe reload failed (%s): %v", evt.Name, err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warnf("universe watcher: %v", err)
			}
		}
	}()
	return nil
}
