package gatekeeper

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// webFetchCooldown is how long after a failed web fetch a tiny HTML write
// is refused, on the theory that the model is about to fake the page it
// could not fetch.
const (
	webFetchCooldown = 2 * time.Minute
	tinyHTMLBytes    = 512
)

// FileOpTracker caches recent file reads and directory listings so
// redundant calls can be answered without re-execution, and remembers
// failed web fetches.
type FileOpTracker struct {
	mu sync.Mutex

	reads    map[string]string // path -> content of last successful read
	listings map[string]string // path -> last listing

	lastWebFetchFailure time.Time
	now                 func() time.Time
}

// NewFileOpTracker creates an empty tracker.
func NewFileOpTracker() *FileOpTracker {
	return &FileOpTracker{
		reads:    make(map[string]string),
		listings: make(map[string]string),
		now:      time.Now,
	}
}

// CachedRead returns the cached content for a redundant read_file call.
func (t *FileOpTracker) CachedRead(path string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	content, ok := t.reads[path]
	return content, ok
}

// CachedListing returns the cached result for a redundant list_directory.
func (t *FileOpTracker) CachedListing(path string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	listing, ok := t.listings[path]
	return listing, ok
}

// RecordRead caches a successful file read.
func (t *FileOpTracker) RecordRead(path, content string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reads[path] = content
}

// RecordListing caches a successful directory listing.
func (t *FileOpTracker) RecordListing(path, listing string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listings[path] = listing
}

// RecordWebFetchFailure notes a failed web fetch for the tiny-HTML guard.
func (t *FileOpTracker) RecordWebFetchFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastWebFetchFailure = t.now()
}

// RefusesTinyHTMLWrite reports whether a small HTML write should be
// refused because a web fetch failed recently.
func (t *FileOpTracker) RefusesTinyHTMLWrite(path string, contentLen int) bool {
	if !strings.HasSuffix(strings.ToLower(path), ".html") || contentLen > tinyHTMLBytes {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastWebFetchFailure.IsZero() {
		return false
	}
	return t.now().Sub(t.lastWebFetchFailure) < webFetchCooldown
}

// Invalidate drops caches touched by a mutation of path. A directory
// mutation also invalidates the listing of its parent.
func (t *FileOpTracker) Invalidate(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.reads, path)
	delete(t.listings, path)
	if i := strings.LastIndex(path, "/"); i > 0 {
		delete(t.listings, path[:i])
	}
}

// InvalidateAll clears all caches, used on workspace switches.
func (t *FileOpTracker) InvalidateAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reads = make(map[string]string)
	t.listings = make(map[string]string)
}

// TrackerState is the serializable form of the tracker, carried in
// conversation snapshots so redundancy checks survive a restart.
type TrackerState struct {
	Reads    map[string]string `json:"reads,omitempty"`
	Listings map[string]string `json:"listings,omitempty"`
}

// State captures the current caches.
func (t *FileOpTracker) State() TrackerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := TrackerState{
		Reads:    make(map[string]string, len(t.reads)),
		Listings: make(map[string]string, len(t.listings)),
	}
	for k, v := range t.reads {
		st.Reads[k] = v
	}
	for k, v := range t.listings {
		st.Listings[k] = v
	}
	return st
}

// Restore replaces the caches with a snapshot's state.
func (t *FileOpTracker) Restore(st TrackerState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reads = make(map[string]string, len(st.Reads))
	for k, v := range st.Reads {
		t.reads[k] = v
	}
	t.listings = make(map[string]string, len(st.Listings))
	for k, v := range st.Listings {
		t.listings[k] = v
	}
}

// TargetOf extracts the coarse-grained target (file path, URL, or query)
// from a tool input for loop detection and redundancy checks.
func TargetOf(input json.RawMessage) string {
	var fields struct {
		Path     string `json:"path"`
		Filename string `json:"filename"`
		URL      string `json:"url"`
		Query    string `json:"query"`
		Command  string `json:"command"`
	}
	if err := json.Unmarshal(input, &fields); err != nil {
		return ""
	}
	switch {
	case fields.Path != "":
		return fields.Path
	case fields.Filename != "":
		return fields.Filename
	case fields.URL != "":
		return fields.URL
	case fields.Query != "":
		return fields.Query
	case fields.Command != "":
		return fields.Command
	}
	return ""
}
