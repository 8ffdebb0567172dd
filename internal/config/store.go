package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-json"

	"github.com/1ureka/devlink/internal/util"
)

var log = util.NewLogger("config")

// Store persists the device Document as a JSON file.
type Store struct {
	path string

	mu   sync.Mutex
	last []byte // bytes most recently read or written; used to ignore our own writes
}

// NewStore creates a store for the file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the file path.
func (s *Store) Path() string { return s.path }

// Load reads the document and layers it over defaults, so keys added in a
// newer release appear with their default values. A missing file is created
// from defaults.
func (s *Store) Load(defaults Document) (Document, error) {
	doc := defaults.Clone()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Infof("%s not found, writing defaults", s.path)
		return doc, s.Save(doc)
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var stored Document
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", s.path, err)
	}
	doc.Merge(stored)

	s.mu.Lock()
	s.last = raw
	s.mu.Unlock()
	return doc, nil
}

// Save writes doc atomically (temp file + rename). Writing identical bytes
// is a no-op.
func (s *Store) Save(doc Document) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if bytes.Equal(raw, s.last) {
		return nil
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace config: %w", err)
	}

	s.last = raw
	return nil
}

// Watch calls fn with the parsed document whenever the file is changed by
// someone other than this Store. It blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, fn func(Document)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: atomic replaces swap the inode under the file name.
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}

	name := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			doc, changed := s.reload()
			if changed {
				log.Infof("%s changed on disk", s.path)
				fn(doc)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warnf("watch error: %v", err)
		}
	}
}

// reload re-reads the file and reports whether it differs from what this
// Store last saw. Partial writes fail to parse and are skipped; the next
// write event picks up the complete file.
func (s *Store) reload() (Document, bool) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, false
	}

	s.mu.Lock()
	same := bytes.Equal(raw, s.last)
	s.mu.Unlock()
	if same {
		return nil, false
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		log.Debugf("skipping unparsable config: %v", err)
		return nil, false
	}

	s.mu.Lock()
	s.last = raw
	s.mu.Unlock()
	return doc, true
}
