// Package preview tracks transient local preview handles for selected files.
//
// A handle stands in for a browser object URL: it is cheap to create, must be
// released when superseded or when its owner is torn down, and must never be
// read after release.
package preview

import (
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/menta2k/condition-report/pkg/types"
)

// URLPrefix marks preview URLs that refer to local handles
const URLPrefix = "blob:local/"

// ErrReleased is returned when resolving a handle that was already freed
var ErrReleased = errors.New("preview handle released")

// Handle is one live local preview
type Handle struct {
	URL     string
	File    *types.LocalFile
	Created time.Time
}

// Registry owns the handles created by one annotator
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
	entropy *ulid.MonotonicEntropy
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		handles: make(map[string]*Handle),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// IsLocal reports whether url refers to a local preview handle
func IsLocal(url string) bool {
	return strings.HasPrefix(url, URLPrefix)
}

// Create allocates a handle for file
func (r *Registry) Create(file *types.LocalFile) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	id := ulid.MustNew(ulid.Timestamp(now), r.entropy)
	h := &Handle{
		URL:     URLPrefix + strings.ToLower(id.String()),
		File:    file,
		Created: now,
	}
	r.handles[h.URL] = h
	return h
}

// Resolve returns the file behind a live handle
func (r *Registry) Resolve(url string) (*types.LocalFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[url]
	if !ok {
		return nil, ErrReleased
	}
	return h.File, nil
}

// Release frees a handle. It reports false for unknown or already released URLs.
func (r *Registry) Release(url string) bool {
	if !IsLocal(url) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handles[url]; !ok {
		return false
	}
	delete(r.handles, url)
	return true
}

// ReleaseAll frees every live handle and returns how many were freed
func (r *Registry) ReleaseAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.handles)
	r.handles = make(map[string]*Handle)
	return n
}

// Len returns the number of live handles
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
