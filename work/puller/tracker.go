package puller

// SegmentTracker remembers recently delivered segment identifiers in a
// fixed-size circular buffer, so duplicate playlist entries across polls are
// skipped without the delivered set growing for the lifetime of a stream.
// When capacity is reached the oldest identifier is evicted.
//
// The tracker is touched only from the puller goroutine, so it needs no
// locking.
type SegmentTracker struct {
	ring  []string
	slots map[string]int
	head  int
	size  int
}

func newSegmentTracker(max int) *SegmentTracker {
	return &SegmentTracker{
		ring:  make([]string, max),
		slots: make(map[string]int, max),
	}
}

// Seen reports whether the identifier is still in the tracking window.
func (t *SegmentTracker) Seen(id string) bool {
	_, ok := t.slots[id]
	return ok
}

// Mark records a delivered identifier, evicting the oldest entry when the
// ring is full.
func (t *SegmentTracker) Mark(id string) {
	if t.size >= len(t.ring) {
		old := t.ring[t.head]
		if old != "" {
			delete(t.slots, old)
		}
	} else {
		t.size++
	}

	t.ring[t.head] = id
	t.slots[id] = t.head
	t.head = (t.head + 1) % len(t.ring)
}

// Size returns the number of identifiers currently tracked.
func (t *SegmentTracker) Size() int {
	return t.size
}
