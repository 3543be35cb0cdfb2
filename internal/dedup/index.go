// Package dedup provides the run-scoped record identity index.
package dedup

import (
	"bufio"
	"fmt"
	"io"
	"sync"
)

// Index records accepted identities for a run. It is owned by the run and
// shared by every runner, so duplicates are rejected exactly, including
// across chunk boundaries. Safe for concurrent use.
type Index struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{seen: make(map[string]struct{})}
}

// Accept records identity and reports whether it was newly accepted. An
// empty identity is never accepted.
func (i *Index) Accept(identity string) bool {
	if identity == "" {
		return false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.seen[identity]; ok {
		return false
	}
	i.seen[identity] = struct{}{}
	return true
}

// Len returns the number of accepted identities.
func (i *Index) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.seen)
}

// Snapshot writes every accepted identity, one per line, for incremental
// crawling across runs.
func (i *Index) Snapshot(w io.Writer) error {
	i.mu.Lock()
	identities := make([]string, 0, len(i.seen))
	for id := range i.seen {
		identities = append(identities, id)
	}
	i.mu.Unlock()

	bw := bufio.NewWriter(w)
	for _, id := range identities {
		if _, err := fmt.Fprintln(bw, id); err != nil {
			return fmt.Errorf("write identity: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush snapshot: %w", err)
	}
	return nil
}

// Load seeds the index from a prior snapshot. Blank lines are skipped.
// Returns the number of identities loaded.
func (i *Index) Load(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	loaded := 0
	i.mu.Lock()
	defer i.mu.Unlock()
	for scanner.Scan() {
		id := scanner.Text()
		if id == "" {
			continue
		}
		if _, ok := i.seen[id]; !ok {
			i.seen[id] = struct{}{}
			loaded++
		}
	}
	if err := scanner.Err(); err != nil {
		return loaded, fmt.Errorf("read snapshot: %w", err)
	}
	return loaded, nil
}
