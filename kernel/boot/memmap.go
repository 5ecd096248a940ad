package boot

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved
)

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	default:
		return "unknown"
	}
}

// MemRegionVisitor is invoked by VisitMemRegions for each memory map entry.
// The visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// MemoryMap returns the physical memory map for the configured RAM size. The
// first KernelReserved bytes hold the (simulated) kernel image and are
// reported as reserved; everything else is available.
func (c *Config) MemoryMap() []MemoryMapEntry {
	reserved := c.KernelReserved
	if reserved > c.MemSize {
		reserved = c.MemSize
	}

	entries := []MemoryMapEntry{
		{PhysAddress: 0, Length: reserved, Type: MemReserved},
	}
	if c.MemSize > reserved {
		entries = append(entries, MemoryMapEntry{
			PhysAddress: reserved,
			Length:      c.MemSize - reserved,
			Type:        MemAvailable,
		})
	}

	return entries
}

// VisitMemRegions invokes visitor for each entry of the memory map.
func (c *Config) VisitMemRegions(visitor MemRegionVisitor) {
	entries := c.MemoryMap()
	for i := range entries {
		if !visitor(&entries[i]) {
			return
		}
	}
}
