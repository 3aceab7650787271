// Package artifact stores uploaded submission files on local disk.
package artifact

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Upload is one file received with a submission.
type Upload struct {
	Name      string
	MediaType string
	Data      []byte
}

// Stored describes a file written by Put. Path is relative to the store root.
type Stored struct {
	Name      string
	Path      string
	MediaType string
	Size      int64
}

type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string { return s.root }

func sanitize(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	base = unsafeName.ReplaceAllString(base, "_")
	base = strings.Trim(base, "._")
	if base == "" {
		base = "upload"
	}
	if len(base) > 96 {
		base = base[len(base)-96:]
	}
	return base
}

// Put writes data under <root>/<taskID>/ with a unique prefix.
func (s *Store) Put(taskID string, up Upload) (Stored, error) {
	dir := filepath.Join(s.root, sanitize(taskID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Stored{}, fmt.Errorf("create task artifact dir: %w", err)
	}
	name := sanitize(up.Name)
	rel := filepath.Join(sanitize(taskID), uuid.NewString()[:8]+"-"+name)
	if err := os.WriteFile(filepath.Join(s.root, rel), up.Data, 0o644); err != nil {
		return Stored{}, fmt.Errorf("write artifact: %w", err)
	}
	mediaType := up.MediaType
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = http.DetectContentType(up.Data)
	}
	return Stored{Name: name, Path: filepath.ToSlash(rel), MediaType: mediaType, Size: int64(len(up.Data))}, nil
}

// PutAll stores every upload. On failure the files already written are removed.
func (s *Store) PutAll(taskID string, ups []Upload) ([]Stored, error) {
	out := make([]Stored, 0, len(ups))
	for _, up := range ups {
		st, err := s.Put(taskID, up)
		if err != nil {
			s.RemoveAll(out)
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// RemoveAll deletes stored files, ignoring ones already gone.
func (s *Store) RemoveAll(files []Stored) {
	for _, f := range files {
		_ = os.Remove(filepath.Join(s.root, filepath.FromSlash(f.Path)))
	}
}

// Open returns a reader for a stored path. Paths escaping the root are refused.
func (s *Store) Open(rel string) (io.ReadCloser, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return nil, fmt.Errorf("open artifact: invalid path %q", rel)
	}
	return os.Open(filepath.Join(s.root, clean))
}
