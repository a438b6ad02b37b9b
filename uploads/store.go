// Package uploads is the on-disk area where labelled training images wait for
// the next retrain.
package uploads

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/peterbourgon/diskv"

	"cassava/ml"
)

var (
	ErrInvalidLabel = errors.New("invalid label")
	ErrEmptyFile    = errors.New("empty file")
)

// Store keeps blobs under <dir>/<label>/<label>.<id>_<name>. The label is the
// key prefix up to the first dot, which is why labels may not contain dots.
type Store struct {
	dir        string
	archiveDir string
	blobs      *diskv.Diskv
}

func labelTransform(key string) []string {
	label, _, _ := strings.Cut(key, ".")
	return []string{label}
}

func newDiskv(dir string) *diskv.Diskv {
	return diskv.New(diskv.Options{
		BasePath:     dir,
		Transform:    labelTransform,
		CacheSizeMax: 0,
	})
}

func NewStore(dir, archiveDir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("uploads dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	return &Store{dir: dir, archiveDir: archiveDir, blobs: newDiskv(dir)}, nil
}

// Save stores data under label and returns the generated key.
func (s *Store) Save(label, filename string, data []byte) (string, error) {
	if label == "" || strings.ContainsAny(label, `./\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}
	if len(data) == 0 {
		return "", ErrEmptyFile
	}
	key := label + "." + uuid.NewString()[:8] + "_" + sanitizeFilename(filename)
	if err := s.blobs.Write(key, data); err != nil {
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	return key, nil
}

// LabelDir is where blobs for label end up on disk.
func (s *Store) LabelDir(label string) string {
	return filepath.Join(s.dir, label)
}

// Blobs returns every stored blob, sorted by key so runs are reproducible.
func (s *Store) Blobs() ([]ml.LabeledBlob, error) {
	keys := s.keys("")
	blobs := make([]ml.LabeledBlob, 0, len(keys))
	for _, key := range keys {
		data, err := s.blobs.Read(key)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		label, name, _ := strings.Cut(key, ".")
		blobs = append(blobs, ml.LabeledBlob{Label: label, Name: name, Data: data})
	}
	return blobs, nil
}

// Counts returns the number of stored blobs per label.
func (s *Store) Counts() map[string]int {
	counts := make(map[string]int)
	for _, key := range s.keys("") {
		label, _, _ := strings.Cut(key, ".")
		counts[label]++
	}
	return counts
}

// Key is the store key a blob returned by Blobs was read from.
func Key(blob ml.LabeledBlob) string {
	return blob.Label + "." + blob.Name
}

// Archive moves the blobs stored under keys (all blobs when keys is empty)
// into <archiveDir>/<name> and returns how many were moved. Keys that no
// longer exist are ignored.
func (s *Store) Archive(name string, keys ...string) (int, error) {
	if s.archiveDir == "" {
		return 0, errors.New("archive dir not configured")
	}
	if len(keys) == 0 {
		keys = s.keys("")
	}
	archive := newDiskv(filepath.Join(s.archiveDir, sanitizeFilename(name)))
	moved := 0
	for _, key := range keys {
		if !s.blobs.Has(key) {
			continue
		}
		data, err := s.blobs.Read(key)
		if err != nil {
			return moved, fmt.Errorf("read %s: %w", key, err)
		}
		if err := archive.Write(key, data); err != nil {
			return moved, fmt.Errorf("archive %s: %w", key, err)
		}
		if err := s.blobs.Erase(key); err != nil {
			return moved, fmt.Errorf("erase %s: %w", key, err)
		}
		moved++
	}
	return moved, nil
}

func (s *Store) keys(prefix string) []string {
	cancel := make(chan struct{})
	defer close(cancel)

	var keys []string
	for key := range s.blobs.KeysPrefix(prefix, cancel) {
		if strings.HasPrefix(key, ".") {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "upload"
	}
	return out
}
