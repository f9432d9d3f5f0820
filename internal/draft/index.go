package draft

import (
	"log"
	"sync"

	"github.com/vellum-app/vellum/internal/checksum"
	"github.com/vellum-app/vellum/internal/store"
)

// Index caches the last-known checksum of every unit so request handling
// does not re-read and re-hash the whole drafts/ directory. Disk remains
// the source of truth: the index is rebuilt at project open and updated or
// invalidated on every write.
type Index struct {
	mu     sync.RWMutex
	sums   map[string]checksum.Checksum
	orders map[string]int
}

// NewIndex returns an empty index. Call Rebuild before first use.
func NewIndex() *Index {
	return &Index{
		sums:   make(map[string]checksum.Checksum),
		orders: make(map[string]int),
	}
}

// Rebuild scans drafts/ and replaces the index contents.
func (ix *Index) Rebuild(s *store.Store, logger *log.Logger) error {
	units, err := LoadAllUnits(s, logger)
	if err != nil {
		return err
	}

	sums := make(map[string]checksum.Checksum, len(units))
	orders := make(map[string]int, len(units))
	for _, unit := range units {
		sums[unit.ID] = unit.Checksum()
		orders[unit.ID] = unit.Order
	}

	ix.mu.Lock()
	ix.sums = sums
	ix.orders = orders
	ix.mu.Unlock()

	return nil
}

// Get returns the cached checksum for a unit id.
func (ix *Index) Get(unitID string) (checksum.Checksum, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	sum, ok := ix.sums[unitID]
	return sum, ok
}

// Put records a unit's checksum after a successful write.
func (ix *Index) Put(unitID string, sum checksum.Checksum, order int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.sums[unitID] = sum
	ix.orders[unitID] = order
}

// Invalidate drops a unit from the index, forcing the next read to go to
// disk. Used when a write may have left the cached value stale.
func (ix *Index) Invalidate(unitID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	delete(ix.sums, unitID)
	delete(ix.orders, unitID)
}

// UnitIDs returns all indexed unit ids.
func (ix *Index) UnitIDs() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	ids := make([]string, 0, len(ix.sums))
	for id := range ix.sums {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of indexed units.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.sums)
}
