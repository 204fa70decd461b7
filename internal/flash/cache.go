package flash

import (
	"fmt"

	"github.com/deploymenttheory/go-espboot/internal/interfaces"
	"github.com/deploymenttheory/go-espboot/internal/types"
)

// CacheStats counts cache operations so coherency handling can be checked.
type CacheStats struct {
	Disables  int
	Flushes   int
	Enables   int
	MMUSets   int
	MMUResets int
}

// Cache emulates the flash cache and its MMU.
type Cache struct {
	enabled  bool
	maxPages uint32
	entries  map[uint32]uint32
	stats    CacheStats
}

var _ interfaces.CacheController = (*Cache)(nil)

// NewCache returns an enabled cache whose MMU holds at most maxPages entries.
func NewCache(maxPages uint32) *Cache {
	return &Cache{
		enabled:  true,
		maxPages: maxPages,
		entries:  make(map[uint32]uint32),
	}
}

// Disable stops cache reads.
func (c *Cache) Disable() {
	c.enabled = false
	c.stats.Disables++
}

// Flush invalidates every cached line.
func (c *Cache) Flush() {
	c.stats.Flushes++
}

// Enable resumes cache reads.
func (c *Cache) Enable() {
	c.enabled = true
	c.stats.Enables++
}

// SetMapping programs count consecutive MMU entries.
func (c *Cache) SetMapping(vaddr, paddr, count uint32) error {
	if c.enabled {
		return fmt.Errorf("mmu set with cache enabled: %w", types.ErrFlashOp)
	}
	if count == 0 || count > c.maxPages {
		return fmt.Errorf("mmu page count %d out of range 1..%d: %w", count, c.maxPages, types.ErrInvalidArgument)
	}
	for i := uint32(0); i < count; i++ {
		c.entries[vaddr+i] = paddr + i
	}
	c.stats.MMUSets++
	return nil
}

// ResetMMU clears every MMU entry.
func (c *Cache) ResetMMU() {
	c.entries = make(map[uint32]uint32)
	c.stats.MMUResets++
}

// Enabled reports whether cache reads are on.
func (c *Cache) Enabled() bool {
	return c.enabled
}

// MappedPages returns the number of programmed MMU entries.
func (c *Cache) MappedPages() int {
	return len(c.entries)
}

// Stats returns the operation counters.
func (c *Cache) Stats() CacheStats {
	return c.stats
}
