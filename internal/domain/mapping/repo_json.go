package mapping

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// JSONRepo serves lookups from a mapping document on disk. The document is
// loaded once and swapped atomically on Reload, so lookups never see a
// half-read file.
type JSONRepo struct {
	path string

	mu       sync.RWMutex
	doc      Document
	aliasIdx map[string]string // normalized alias -> canonical analyzer name
}

// NewJSONRepo loads the mapping document at path.
func NewJSONRepo(path string) (*JSONRepo, error) {
	r := &JSONRepo{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the document from disk. On failure the previous document
// stays in effect.
func (r *JSONRepo) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("mapping: read %s: %w", r.path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("mapping: decode %s: %w", r.path, err)
	}

	idx := make(map[string]string)
	for canon, analyzer := range doc.Analyzers {
		idx[Normalize(canon)] = canon
		for _, alias := range analyzer.Aliases {
			idx[Normalize(alias)] = canon
		}
	}

	r.mu.Lock()
	r.doc = doc
	r.aliasIdx = idx
	r.mu.Unlock()
	return nil
}

// Resolve finds the client binding for an analyzer name or alias and a test
// key. The key is matched uppercase-exact first, then by normalized
// comparison against every key of the analyzer's map.
func (r *JSONRepo) Resolve(analyzer, testKey string) (Entry, bool) {
	if analyzer == "" || testKey == "" {
		return Entry{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	canon, ok := r.aliasIdx[Normalize(analyzer)]
	if !ok {
		return Entry{}, false
	}
	amap := r.doc.Analyzers[canon].Map

	if e, ok := amap[strings.ToUpper(testKey)]; ok {
		return e, true
	}
	want := Normalize(testKey)
	for k, e := range amap {
		if Normalize(k) == want {
			return e, true
		}
	}
	return Entry{}, false
}

// ClientCodes returns the distinct client codes across all analyzers,
// sorted for stable output.
func (r *JSONRepo) ClientCodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, analyzer := range r.doc.Analyzers {
		for _, e := range analyzer.Map {
			if e.ClientCode != "" {
				seen[e.ClientCode] = struct{}{}
			}
		}
	}
	codes := make([]string, 0, len(seen))
	for c := range seen {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// Analyzers returns the canonical analyzer names, sorted.
func (r *JSONRepo) Analyzers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.doc.Analyzers))
	for name := range r.doc.Analyzers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
