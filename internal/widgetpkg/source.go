package widgetpkg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned by a Source when the requested document does not
// exist.
var ErrNotFound = errors.New("document not found")

// maxDocumentSize caps a single package document.
const maxDocumentSize = 10 << 20

// Source reads package documents by slash-separated path relative to the
// package base, e.g. "order-status/index.json".
type Source interface {
	Open(ctx context.Context, name string) ([]byte, error)
}

// DirSource reads packages from a file system.
type DirSource struct {
	fsys fs.FS
	root string
}

// NewDirSource serves packages from the directory dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{fsys: os.DirFS(dir), root: dir}
}

// NewFSSource serves packages from fsys.
func NewFSSource(fsys fs.FS) *DirSource {
	return &DirSource{fsys: fsys}
}

// Root returns the directory the source was created from, or "" for an
// fs.FS source.
func (s *DirSource) Root() string {
	return s.root
}

// Open reads name. Paths escaping the root are reported as not found.
func (s *DirSource) Open(_ context.Context, name string) ([]byte, error) {
	clean := path.Clean(strings.TrimPrefix(name, "/"))
	if !fs.ValidPath(clean) {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	data, err := fs.ReadFile(s.fsys, clean)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return data, nil
}

// HTTPSource reads packages from a static file server.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource serves packages from baseURL. A zero timeout means 10s.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Open fetches baseURL/name. A 404 is reported as ErrNotFound.
func (s *HTTPSource) Open(ctx context.Context, name string) ([]byte, error) {
	u := s.baseURL + "/" + strings.TrimPrefix(name, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", name, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetching %s: status %d", name, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	if len(data) > maxDocumentSize {
		return nil, fmt.Errorf("%s exceeds %d bytes", name, maxDocumentSize)
	}
	return data, nil
}

// Ping reports whether the root is readable.
func (s *DirSource) Ping(context.Context) error {
	if _, err := fs.Stat(s.fsys, "."); err != nil {
		return fmt.Errorf("package directory: %w", err)
	}
	return nil
}

// List returns the ids of the packages under the root: directories holding
// an index.json and top-level legacy <id>.json documents.
func (s *DirSource) List(context.Context) ([]string, error) {
	entries, err := fs.ReadDir(s.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("listing packages: %w", err)
	}
	seen := make(map[string]bool)
	var ids []string
	for _, e := range entries {
		var id string
		switch {
		case e.IsDir():
			if _, err := fs.Stat(s.fsys, path.Join(e.Name(), indexFile)); err != nil {
				continue
			}
			id = e.Name()
		case strings.HasSuffix(e.Name(), ".json"):
			id = strings.TrimSuffix(e.Name(), ".json")
		default:
			continue
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Ping reports whether the base URL answers at all. Any HTTP status counts
// as reachable.
func (s *HTTPSource) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("package server: %w", err)
	}
	resp.Body.Close()
	return nil
}
