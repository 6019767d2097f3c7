// internal/storage/file.go
package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/xkilldash9x/extbridge/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	mappingFileName = "keys.json"
	valuePrefix     = "cs_"
	valueSuffix     = ".txt"
)

// FileArea stores each value in its own file. A mapping file relates keys to
// file names; rewriting it commits a change, so a crash mid-write leaves the
// previous state readable.
type FileArea struct {
	fs     afero.Fs
	dir    string
	logger *zap.Logger

	mu      sync.Mutex
	mapping map[string]string
}

// OpenFileArea opens or creates the area in dir and removes value files the
// mapping no longer references.
func OpenFileArea(fs afero.Fs, dir string, logger *zap.Logger) (*FileArea, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}
	a := &FileArea{
		fs:      fs,
		dir:     dir,
		logger:  logger.Named("storage").With(zap.String("dir", dir)),
		mapping: map[string]string{},
	}

	data, err := afero.ReadFile(fs, a.path(mappingFileName))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &a.mapping); err != nil {
			observability.Critical(a.logger, "Storage mapping is corrupt; starting empty", zap.Error(err))
			a.mapping = map[string]string{}
			if err := a.storeMapping(a.mapping); err != nil {
				return nil, err
			}
		}
	case os.IsNotExist(err):
		if err := a.storeMapping(a.mapping); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("failed to read storage mapping: %w", err)
	}

	if err := a.removeOrphans(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *FileArea) Get(_ context.Context, keys []string) (map[string]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]string)
	if keys == nil {
		for k := range a.mapping {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		name, ok := a.mapping[k]
		if !ok {
			continue
		}
		v, err := a.read(name)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func (a *FileArea) Set(_ context.Context, items map[string]string) (Changes, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	changes := make(Changes, len(items))
	next := a.cloneMapping()
	var stale []string
	for k, v := range items {
		old := ""
		if name, ok := a.mapping[k]; ok {
			var err error
			if old, err = a.read(name); err != nil {
				return nil, err
			}
			stale = append(stale, name)
		}
		changes[k] = Change{NewValue: v, OldValue: old}

		name := valuePrefix + uuid.NewString() + valueSuffix
		if err := afero.WriteFile(a.fs, a.path(name), []byte(v), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write value for %q: %w", k, err)
		}
		next[k] = name
	}

	if err := a.storeMapping(next); err != nil {
		return nil, err
	}
	a.removeFiles(stale)
	return changes, nil
}

func (a *FileArea) Remove(_ context.Context, keys []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := a.cloneMapping()
	var stale []string
	for _, k := range keys {
		if name, ok := next[k]; ok {
			delete(next, k)
			stale = append(stale, name)
		}
	}
	if err := a.storeMapping(next); err != nil {
		return err
	}
	a.removeFiles(stale)
	return nil
}

func (a *FileArea) Clear(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	stale := make([]string, 0, len(a.mapping))
	for _, name := range a.mapping {
		stale = append(stale, name)
	}
	if err := a.storeMapping(map[string]string{}); err != nil {
		return err
	}
	a.removeFiles(stale)
	return nil
}

func (a *FileArea) path(name string) string { return path.Join(a.dir, name) }

func (a *FileArea) cloneMapping() map[string]string {
	out := make(map[string]string, len(a.mapping))
	for k, v := range a.mapping {
		out[k] = v
	}
	return out
}

func (a *FileArea) read(name string) (string, error) {
	b, err := afero.ReadFile(a.fs, a.path(name))
	if err != nil {
		return "", fmt.Errorf("failed to read stored value %s: %w", name, err)
	}
	return string(b), nil
}

// storeMapping writes m to a temporary file and renames it over the mapping.
func (a *FileArea) storeMapping(m map[string]string) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode storage mapping: %w", err)
	}
	tmp := a.path(mappingFileName + ".tmp")
	if err := afero.WriteFile(a.fs, tmp, b, 0o644); err != nil {
		return fmt.Errorf("failed to write storage mapping: %w", err)
	}
	if err := a.fs.Rename(tmp, a.path(mappingFileName)); err != nil {
		return fmt.Errorf("failed to commit storage mapping: %w", err)
	}
	a.mapping = m
	return nil
}

func (a *FileArea) removeOrphans() error {
	entries, err := afero.ReadDir(a.fs, a.dir)
	if err != nil {
		return fmt.Errorf("failed to list storage directory: %w", err)
	}
	referenced := make(map[string]bool, len(a.mapping))
	for _, name := range a.mapping {
		referenced[name] = true
	}
	var orphans []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, valuePrefix) && strings.HasSuffix(name, valueSuffix) && !referenced[name] {
			orphans = append(orphans, name)
		}
	}
	a.removeFiles(orphans)
	return nil
}

// removeFiles is best effort; a leftover file is collected on the next open.
func (a *FileArea) removeFiles(names []string) {
	for _, name := range names {
		if err := a.fs.Remove(a.path(name)); err != nil && !os.IsNotExist(err) {
			a.logger.Warn("Failed to remove stored value", zap.String("file", name), zap.Error(err))
		}
	}
}
