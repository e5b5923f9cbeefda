package cpu

import (
	"sync"

	"github.com/fieldlang/fieldlang/backends"
	"github.com/pkg/errors"
)

// arena owns all host-memory "device" allocations of the backend. Slots are
// reused through a free list; each reuse bumps the slot's generation, so a
// handle to a freed allocation can never resolve to the slot's new resident.
type arena struct {
	mu       sync.Mutex
	slots    []arenaSlot
	freeList []int32

	liveCount int
	liveBytes uint64
}

type arenaSlot struct {
	data       []byte
	generation uint32
	live       bool
}

// alloc returns a zero-filled allocation of size bytes.
func (a *arena) alloc(size uint64) backends.DeviceAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	var index int32
	if n := len(a.freeList); n > 0 {
		index = a.freeList[n-1]
		a.freeList = a.freeList[:n-1]
		slot := &a.slots[index]
		slot.data = make([]byte, size)
		slot.generation++
		slot.live = true
	} else {
		index = int32(len(a.slots))
		a.slots = append(a.slots, arenaSlot{data: make([]byte, size), generation: 1, live: true})
	}
	a.liveCount++
	a.liveBytes += size
	return backends.DeviceAllocation{Index: index, Generation: a.slots[index].generation}
}

// lookup validates the handle and returns its slot.
func (a *arena) lookup(handle backends.DeviceAllocation) (*arenaSlot, error) {
	if handle.IsNull() || int(handle.Index) >= len(a.slots) {
		return nil, errors.Errorf("invalid device allocation handle %+v", handle)
	}
	slot := &a.slots[handle.Index]
	if !slot.live || slot.generation != handle.Generation {
		return nil, errors.Errorf("device allocation %+v was already freed", handle)
	}
	return slot, nil
}

// bytes returns the backing storage of a live allocation.
func (a *arena) bytes(handle backends.DeviceAllocation) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	slot, err := a.lookup(handle)
	if err != nil {
		return nil, err
	}
	return slot.data, nil
}

// free releases an allocation and recycles its slot.
func (a *arena) free(handle backends.DeviceAllocation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	slot, err := a.lookup(handle)
	if err != nil {
		return err
	}
	a.liveCount--
	a.liveBytes -= uint64(len(slot.data))
	slot.data = nil
	slot.live = false
	a.freeList = append(a.freeList, handle.Index)
	return nil
}

// stats returns the number of live allocations and their total byte size.
func (a *arena) stats() (count int, bytes uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.liveCount, a.liveBytes
}

// reset drops every allocation. Used at backend finalization.
func (a *arena) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.slots = nil
	a.freeList = nil
	a.liveCount = 0
	a.liveBytes = 0
}
