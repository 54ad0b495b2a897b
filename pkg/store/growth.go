package store

// defaultInitialMapSize is the logical capacity a freshly created
// backend starts with.
const defaultInitialMapSize uint64 = 1 << 20 // 1MiB

const giB uint64 = 1 << 30

// GrowthPolicy computes the next logical capacity given the current
// one: doubling until the backend's size exceeds 1GiB, then flat
// 1GiB increments — the GROWTH_POLICY glossary entry.
func GrowthPolicy(current uint64) uint64 {
	if current == 0 {
		return defaultInitialMapSize
	}
	if current < giB {
		return current * 2
	}
	return current + giB
}
