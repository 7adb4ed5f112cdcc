package writer

import (
	"time"

	"github.com/dls-controls/odin-data/message"
)

// DefaultSideChannelTTL bounds how long a buffered detector record waits for
// its write frame message before being evicted.
const DefaultSideChannelTTL = 60 * time.Second

// SideChannelBuffer maps frame numbers to detector records that arrive
// before the frame's storage offset is known. Entries are removed when
// consumed; entries whose offset never arrives are evicted by Sweep after
// the TTL, so the table stays bounded across long runs.
//
// The buffer is not safe for concurrent use; the owning writer serializes
// access.
type SideChannelBuffer struct {
	ttl     time.Duration
	entries map[int64]sideEntry
}

type sideEntry struct {
	fields message.Fields
	added  time.Time
}

// NewSideChannelBuffer creates an empty buffer. A non-positive ttl falls
// back to DefaultSideChannelTTL.
func NewSideChannelBuffer(ttl time.Duration) *SideChannelBuffer {
	if ttl <= 0 {
		ttl = DefaultSideChannelTTL
	}
	return &SideChannelBuffer{
		ttl:     ttl,
		entries: make(map[int64]sideEntry),
	}
}

// Put buffers a detector record for a frame. A second record for the same
// frame replaces the first.
func (b *SideChannelBuffer) Put(frame int64, fields message.Fields) {
	b.entries[frame] = sideEntry{fields: fields, added: time.Now()}
}

// Take removes and returns the record for a frame.
func (b *SideChannelBuffer) Take(frame int64) (message.Fields, bool) {
	entry, ok := b.entries[frame]
	if !ok {
		return nil, false
	}
	delete(b.entries, frame)
	return entry.fields, true
}

// Len returns the number of buffered records.
func (b *SideChannelBuffer) Len() int {
	return len(b.entries)
}

// Sweep evicts records older than the TTL and returns the evicted frame
// numbers.
func (b *SideChannelBuffer) Sweep(now time.Time) []int64 {
	var evicted []int64
	for frame, entry := range b.entries {
		if now.Sub(entry.added) > b.ttl {
			delete(b.entries, frame)
			evicted = append(evicted, frame)
		}
	}
	return evicted
}
