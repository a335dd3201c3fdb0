// Package settings persists the user's chat parameters.
package settings

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/zhengjr9/kb-chat-bff/internal/chat"
)

// Static always returns the same parameters.
type Static chat.Params

func (s Static) Load(context.Context) (chat.Params, error) {
	return chat.Params(s).WithDefaults(), nil
}

// FileStore keeps parameters in a YAML file. A missing file yields the
// defaults.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Load(context.Context) (chat.Params, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return chat.DefaultParams(), nil
	}
	if err != nil {
		return chat.Params{}, fmt.Errorf("read chat params: %w", err)
	}

	var p chat.Params
	if err := yaml.Unmarshal(data, &p); err != nil {
		return chat.Params{}, fmt.Errorf("parse chat params %s: %w", f.path, err)
	}
	return p.WithDefaults(), nil
}

// Save writes p atomically, replacing any previous file.
func (f *FileStore) Save(_ context.Context, p chat.Params) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode chat params: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write chat params: %w", err)
	}
	return os.Rename(tmp, f.path)
}
