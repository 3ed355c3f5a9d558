package heap

import "fmt"

// Location identifies a physical frame: a slab (by size class) and the slot
// within it. A given ObjectId has at most one current Location at a time;
// flushing a mutated leaf allocates a new one.
type Location struct {
	SlabID    uint32
	SlotIndex uint32
}

// IsZero reports whether loc is the zero Location. The zero Location is also
// a real frame address (slot 0 of size class 0), so it does not by itself
// mean "no location".
func (loc Location) IsZero() bool {
	return loc == Location{}
}

func (loc Location) String() string {
	return fmt.Sprintf("slab-%d/%d", loc.SlabID, loc.SlotIndex)
}
