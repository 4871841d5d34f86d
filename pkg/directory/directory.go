// Package directory implements the process-wide Peer Directory: a mutex-
// guarded map from onion address to the neighbor list last observed from
// that publisher's peer-exchange message, plus the reconnection dialer's
// random-pick logic. Nothing here is persisted across restarts.
package directory

import (
	"math/rand"
	"sync"
	"time"
)

// SelfKey is the reserved directory key holding locally injected
// seed/bootstrap addresses, rather than addresses learned from peer
// exchange.
const SelfKey = "SELF"

// Entry is one publisher's neighbor list and the time it was last
// observed.
type Entry struct {
	Neighbors    []string
	LastSeenUnix int64
}

// Directory is the mutex-guarded onion-address -> Entry map. Safe for
// concurrent use by the event-loop task and the reconnection task.
type Directory struct {
	mu      sync.Mutex
	entries map[string]*Entry
	rng     *rand.Rand
}

// New creates an empty Directory.
func New() *Directory {
	return &Directory{
		entries: make(map[string]*Entry),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Learn overwrites publisherOnion's neighbor list with addresses, as
// observed from a peer-exchange message (or from Reseed for SelfKey).
func (d *Directory) Learn(publisherOnion string, addresses []string, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(addresses) == 0 {
		delete(d.entries, publisherOnion)
		return
	}
	neighbors := make([]string, len(addresses))
	copy(neighbors, addresses)
	d.entries[publisherOnion] = &Entry{Neighbors: neighbors, LastSeenUnix: now.Unix()}
}

// Reseed installs seeds under SelfKey, used when the directory is empty
// and the connection count has fallen to zero.
func (d *Directory) Reseed(seeds []string, now time.Time) {
	d.Learn(SelfKey, seeds, now)
}

// PopRandom chooses a uniformly random publisher key, then pops a
// uniformly random address from that publisher's neighbor list. If the
// list becomes empty the publisher is removed from the directory. Reports
// ok=false if the directory is empty.
func (d *Directory) PopRandom() (onion string, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.entries) == 0 {
		return "", false
	}

	keys := make([]string, 0, len(d.entries))
	for k := range d.entries {
		keys = append(keys, k)
	}
	publisher := keys[d.rng.Intn(len(keys))]

	entry := d.entries[publisher]
	idx := d.rng.Intn(len(entry.Neighbors))
	onion = entry.Neighbors[idx]

	entry.Neighbors = append(entry.Neighbors[:idx], entry.Neighbors[idx+1:]...)
	if len(entry.Neighbors) == 0 {
		delete(d.entries, publisher)
	}

	return onion, true
}

// Len returns the number of publisher keys currently tracked.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Neighbors returns a copy of publisherOnion's neighbor list, for tests
// and inspection.
func (d *Directory) Neighbors(publisherOnion string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.entries[publisherOnion]
	if !ok {
		return nil
	}
	out := make([]string, len(entry.Neighbors))
	copy(out, entry.Neighbors)
	return out
}
