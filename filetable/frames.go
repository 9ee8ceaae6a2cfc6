package filetable

import (
	"github.com/keks/framefs"
)

// frameAllocator hands out frame ids from an ever increasing counter.
// Frame 0 holds the metadata and is skipped.
type frameAllocator struct {
	next int
	max  int
}

func newFrameAllocator(max int) frameAllocator {
	return frameAllocator{
		next: int(framefs.MetaFrame) + 1,
		max:  max,
	}
}

func (a *frameAllocator) allocate() (framefs.FrameID, error) {
	if a.next > a.max {
		return 0, framefs.ErrFramesExhausted
	}

	id := framefs.FrameID(a.next)
	a.next++
	return id, nil
}

func (a *frameAllocator) available() int {
	return max(0, a.max-a.next+1)
}

func (a *frameAllocator) used() int {
	return a.next - 1
}

// resume continues counting after the highest id in use.
func (a *frameAllocator) resume(highest framefs.FrameID) {
	if next := int(highest) + 1; next > a.next {
		a.next = next
	}
}
