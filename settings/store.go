package settings

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Format is an on-disk encoding of the options tree.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
	FormatMsgpack
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatYAML:
		return "yaml"
	case FormatMsgpack:
		return "msgpack"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// FormatFor picks the format from the file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".msgpack", ".mpk":
		return FormatMsgpack, nil
	default:
		return 0, fmt.Errorf("unsupported options file extension %q", filepath.Ext(path))
	}
}

// Encode serializes an options tree.
func (f Format) Encode(options map[string]any) ([]byte, error) {
	switch f {
	case FormatJSON:
		data, err := json.MarshalIndent(options, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(options); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case FormatMsgpack:
		return msgpack.Marshal(options)
	default:
		return nil, fmt.Errorf("unsupported format %s", f)
	}
}

// Decode parses an options tree and canonicalizes it to JSON shapes.
func (f Format) Decode(data []byte) (map[string]any, error) {
	var raw any
	var err error
	switch f {
	case FormatJSON:
		err = json.Unmarshal(data, &raw)
	case FormatYAML:
		err = yaml.Unmarshal(data, &raw)
	case FormatMsgpack:
		err = msgpack.Unmarshal(data, &raw)
	default:
		err = fmt.Errorf("unsupported format %s", f)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s options: %w", f, err)
	}
	canon, err := Canonicalize(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding %s options: %w", f, err)
	}
	options, ok := canon.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top level is not an object", ErrInvalidOptions)
	}
	if err := checkShape(options); err != nil {
		return nil, err
	}
	return options, nil
}

// Store reads and writes the options file.
type Store struct {
	path   string
	format Format
	logger *zap.Logger

	mu        sync.Mutex
	lastWrite [sha256.Size]byte
}

// NewStore creates a store for path. The format follows the extension.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{path: path, format: format, logger: logger.Named("store")}, nil
}

// Path returns the options file path.
func (s *Store) Path() string { return s.path }

// Load reads the options file. A missing file yields Default.
func (s *Store) Load() (map[string]any, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("options file not found, using defaults", zap.String("path", s.path))
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return s.format.Decode(data)
}

// Save writes options atomically and remembers the content so the watcher
// can skip the resulting event.
func (s *Store) Save(options map[string]any) error {
	data, err := s.format.Encode(options)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeAtomically(s.path, data, 0o644); err != nil {
		return fmt.Errorf("saving options: %w", err)
	}
	s.lastWrite = sha256.Sum256(data)
	s.logger.Debug("options saved", zap.String("path", s.path), zap.Int("bytes", len(data)))
	return nil
}

// wroteLast reports whether data is exactly what Save last wrote.
func (s *Store) wroteLast(data []byte) bool {
	sum := sha256.Sum256(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	return sum == s.lastWrite
}

func writeAtomically(path string, data []byte, perm os.FileMode) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
