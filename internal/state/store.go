// ABOUTME: Loads, validates, saves and watches the state file
// ABOUTME: Validates documents against an embedded JSON schema before they reach the registry
package state

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var schemaJSON string

const schemaURL = "sendspin-announcer-state.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

// compiledSchema compiles the embedded schema once
func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile schema: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// Parse validates raw against the schema, decodes it and applies the migration
func Parse(raw []byte) (Document, error) {
	sch, err := compiledSchema()
	if err != nil {
		return Document{}, err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Document{}, fmt.Errorf("invalid state json: %w", err)
	}
	if err := sch.Validate(payload); err != nil {
		return Document{}, fmt.Errorf("state does not match schema: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("decode state: %w", err)
	}
	return Migrate(doc), nil
}

// Store owns one state file
type Store struct {
	path   string
	logger *log.Logger

	mu   sync.Mutex
	last []byte
}

// NewStore creates a store for path
func NewStore(path string, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.WithPrefix("state")
	}
	return &Store{path: path, logger: logger}
}

// Path returns the state file path
func (s *Store) Path() string {
	return s.path
}

// Load reads the state file. A missing file returns an error wrapping fs.ErrNotExist.
func (s *Store) Load() (Document, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return Document{}, fmt.Errorf("read state: %w", err)
	}

	doc, err := Parse(raw)
	if err != nil {
		return Document{}, fmt.Errorf("%s: %w", s.path, err)
	}

	s.mu.Lock()
	s.last = raw
	s.mu.Unlock()
	return doc, nil
}

// Save writes doc atomically; unchanged content is not rewritten
func (s *Store) Save(doc Document) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	raw = append(raw, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if bytes.Equal(raw, s.last) {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace state: %w", err)
	}

	s.last = raw
	return nil
}

// ModTime returns when the state file was last written
func (s *Store) ModTime() (time.Time, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// Watch delivers documents written to the state file by someone else.
// The channel closes when ctx is done.
func (s *Store) Watch(ctx context.Context) (<-chan Document, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	s.logger.Debug("Watching state file", "path", s.path)

	out := make(chan Document, 1)
	go func() {
		defer close(out)
		defer watcher.Close()

		target := filepath.Clean(s.path)
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}

				doc, changed := s.reload()
				if !changed {
					continue
				}
				select {
				case out <- doc:
				case <-ctx.Done():
					return
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("State watcher error", "err", err)
			}
		}
	}()

	return out, nil
}

// reload reads the file and reports whether it differs from what we last saw
func (s *Store) reload() (Document, bool) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Debug("State file unreadable", "err", err)
		return Document{}, false
	}

	s.mu.Lock()
	same := bytes.Equal(raw, s.last)
	s.mu.Unlock()
	if same {
		return Document{}, false
	}

	doc, err := Parse(raw)
	if err != nil {
		s.logger.Warn("Ignoring invalid state file edit", "err", err)
		return Document{}, false
	}

	s.mu.Lock()
	s.last = raw
	s.mu.Unlock()

	s.logger.Info("State file changed on disk", "speakers", len(doc.SpeakerIDs))
	return doc, true
}
