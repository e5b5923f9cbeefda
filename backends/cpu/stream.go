package cpu

import (
	"github.com/fieldlang/fieldlang/backends"
)

// The host backend's "command stream" is an ordered list of recorded
// closures. EnqueueOp records; Synchronize and Flush drain in order. There is
// no real asynchrony, but the deferred-error contract is kept identical to
// the device backends: failures of enqueued work surface through
// CheckRuntimeError (and the Flush semaphore), not at the enqueue call.

type hostDevice struct{}

func (hostDevice) Arch() backends.Arch { return backends.ArchCPU }

type hostCommandList struct {
	cmds []func() error
}

// Dispatch implements backends.CommandList.
func (cl *hostCommandList) Dispatch(fn func() error) {
	cl.cmds = append(cl.cmds, fn)
}

// EnqueueOp implements backends.Backend. Image layout transitions are
// meaningless on host memory, so imageRefs is accepted and ignored.
func (b *Backend) EnqueueOp(op backends.ComputeOp, imageRefs []backends.ComputeOpImageRef) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkAlive("EnqueueOp")
	_ = imageRefs
	var cl hostCommandList
	if err := op(hostDevice{}, &cl); err != nil {
		return err
	}
	b.pending = append(b.pending, cl.cmds...)
	return nil
}

// drainLocked runs the pending commands in order and records the first error.
// Caller holds b.mu.
func (b *Backend) drainLocked() error {
	var firstErr error
	for _, cmd := range b.pending {
		if err := cmd(); err != nil {
			firstErr = err
			break
		}
	}
	b.pending = nil
	if firstErr != nil && b.runtimeErr == nil {
		b.runtimeErr = firstErr
	}
	return firstErr
}

// Synchronize implements backends.Backend.
func (b *Backend) Synchronize() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkAlive("Synchronize")
	return b.drainLocked()
}

// signaledSemaphore is an already-completed StreamSemaphore: the host backend
// executes the stream eagerly on submission.
type signaledSemaphore struct {
	err error
}

// Wait implements backends.StreamSemaphore.
func (s signaledSemaphore) Wait() error { return s.err }

// Flush implements backends.Backend.
func (b *Backend) Flush() backends.StreamSemaphore {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkAlive("Flush")
	return signaledSemaphore{err: b.drainLocked()}
}
