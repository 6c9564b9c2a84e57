package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const fileExt = ".json"

// FileKV stores each key as <dir>/<key>.json. Several processes may share one dir,
// which is how a customer and an agent on the same machine see each other's writes.
type FileKV struct {
	dir    string
	logger *zap.Logger
}

func NewFileKV(dir string, logger *zap.Logger) (*FileKV, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileKV{dir: dir, logger: logger}, nil
}

func (f *FileKV) path(key string) string {
	return filepath.Join(f.dir, key+fileExt)
}

func (f *FileKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Set writes to a temp file and renames it over the old one, so readers never see a
// half-written list.
func (f *FileKV) Set(_ context.Context, key string, value []byte) error {
	tmp, err := os.CreateTemp(f.dir, "."+key+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path(key))
}

func (f *FileKV) Delete(_ context.Context, key string) error {
	err := os.Remove(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Watch reports the key of every file changed in the store dir until ctx is done.
func (f *FileKV) Watch(ctx context.Context) (<-chan string, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(f.dir); err != nil {
		w.Close()
		return nil, err
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				key, ok := f.keyOf(ev.Name)
				if !ok || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) {
					continue
				}
				select {
				case out <- key:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				f.logger.Warn("store watch error", zap.Error(err))
			}
		}
	}()
	return out, nil
}

func (f *FileKV) keyOf(name string) (string, bool) {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, fileExt) {
		return "", false
	}
	return strings.TrimSuffix(base, fileExt), true
}
