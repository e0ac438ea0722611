// Package registry holds provisioned data-source frames in deterministic
// arrival order, as seen by the host-call dispatcher's input_count,
// input_size, and read_input implementations.
package registry

import (
	"sync"

	"github.com/DeBrosOfficial/enclaverun/pkg/enclave"
)

// Registry is an append-only, arrival-ordered store of DataSourceFrames.
// It is safe for concurrent readers; the single-writer discipline required
// by the wider HPS is enforced by the caller, not by Registry itself.
type Registry struct {
	mu     sync.RWMutex
	frames []enclave.DataSourceFrame
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Append adds a new frame at the end of arrival order.
func (r *Registry) Append(frame enclave.DataSourceFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

// Count returns the number of currently registered frames (R).
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.frames)
}

// At returns the frame at index, or ok=false if index is out of range.
func (r *Registry) At(index int) (enclave.DataSourceFrame, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if index < 0 || index >= len(r.frames) {
		return enclave.DataSourceFrame{}, false
	}
	return r.frames[index], true
}

// All returns a copy of every registered frame in arrival order.
func (r *Registry) All() []enclave.DataSourceFrame {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]enclave.DataSourceFrame, len(r.frames))
	copy(out, r.frames)
	return out
}
