// Package surprise serves the static files under the fixed `surprise/`
// directory for the /surprise endpoint.
package surprise

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned when the requested name would resolve
// outside dir (directory traversal attempt).
var ErrOutsideRoot = errors.New("surprise: path escapes root")

// ErrNotFound is returned when no file is present (an empty name
// selects DefaultName inside Read).
var ErrNotFound = errors.New("surprise: not found")

// Store resolves file requests against a fixed root directory.
type Store struct {
	root string
}

func New(root string) *Store {
	return &Store{root: root}
}

// DefaultName is served when the client requests /surprise with no
// further path segment.
const DefaultName = "index.html"

// Read returns the bytes and MIME type for name (relative to the
// surprise root). An empty name serves DefaultName.
func (s *Store) Read(name string) (body []byte, contentType string, err error) {
	if name == "" {
		name = DefaultName
	}

	full := filepath.Join(s.root, filepath.Clean("/"+name))
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return nil, "", ErrOutsideRoot
	}

	body, err = os.ReadFile(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("surprise: read %s: %w", full, err)
	}

	ct := mime.TypeByExtension(filepath.Ext(full))
	if ct == "" {
		ct = "application/octet-stream"
	}
	return body, ct, nil
}
