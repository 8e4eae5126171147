// Package docregistry defines the Document Registry collaborator boundary.
// The workflow gate consults it to decide whether a required artifact has
// been produced; the kernel never interprets document content.
package docregistry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Registry is the narrow interface the gate consumes. Implementations own
// templates and content; the kernel only asks about registration.
type Registry interface {
	IsRegistered(documentType, owner string) bool
	Register(path, owner, category string) error
}

// Record is one registered document.
type Record struct {
	Path         string    `json:"path"`
	Owner        string    `json:"owner"`
	Category     string    `json:"category"`
	RegisteredAt time.Time `json:"registered_at"`
}

// FileRegistry is a file-backed Registry storing registrations as JSON
// under the crewmesh home, so the gate works out of the box without an
// external document service.
type FileRegistry struct {
	mu   sync.Mutex
	path string
	docs map[string][]Record // keyed by category
}

// OpenFile loads (or creates) the registry file at home/documents.json.
func OpenFile(home string) (*FileRegistry, error) {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, err
	}
	r := &FileRegistry{
		path: filepath.Join(home, "documents.json"),
		docs: make(map[string][]Record),
	}
	b, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(b, &r.docs); err != nil {
		return nil, err
	}
	return r, nil
}

// Register records a document under a category. Registering the same path
// and category again refreshes the timestamp.
func (r *FileRegistry) Register(path, owner, category string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	recs := r.docs[category]
	for i := range recs {
		if recs[i].Path == path {
			recs[i].Owner = owner
			recs[i].RegisteredAt = time.Now().UTC()
			return r.flushLocked()
		}
	}
	r.docs[category] = append(recs, Record{
		Path: path, Owner: owner, Category: category, RegisteredAt: time.Now().UTC(),
	})
	return r.flushLocked()
}

// IsRegistered reports whether any document of the given category exists,
// optionally restricted to an owner.
func (r *FileRegistry) IsRegistered(documentType, owner string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.docs[documentType] {
		if owner == "" || rec.Owner == owner {
			return true
		}
	}
	return false
}

func (r *FileRegistry) flushLocked() error {
	b, err := json.MarshalIndent(r.docs, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}
