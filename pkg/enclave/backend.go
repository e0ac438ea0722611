package enclave

import "context"

// ModuleHandle, InstanceHandle and MemoryHandle are opaque handles owned by
// whichever Backend produced them. The HPS never inspects their concrete
// type; it only ever passes them back into the Backend that issued them.
type (
	ModuleHandle   any
	InstanceHandle any
	MemoryHandle   any
)

// HostCallbacks is implemented by the HPS and invoked by a Backend every
// time the sandboxed program issues an H-call. index is the stable small
// integer from the H-call dispatch table; args are the guest's i32
// arguments widened to uint64; the returned value is the VeracruzStatus to
// place on the WASM stack. A non-nil error is always a *FatalHostError and
// means the Backend must abort execution with a host trap.
type HostCallbacks interface {
	Dispatch(ctx context.Context, index int, mem MemoryHandle, args []uint64) (uint32, error)
}

// Backend is the narrow capability boundary a WASM engine must satisfy for
// the HPS to drive it. Exactly the eight operations in the specification's
// engine-adapter design: decode, instantiate, export_memory, export_entry,
// invoke, memory_read, memory_write, memory_write_u32_le. No backend-specific
// type (e.g. a wazero type) ever appears in the HPS's own signatures.
type Backend interface {
	// Decode performs syntactic/structural validation of a program image and
	// returns an opaque module handle, or an error, which the HPS reports as
	// a *HostProvisioningError of kind InvalidWASMModule. A module that
	// declares a start function is rejected here — the core forbids
	// start-function side effects before provisioning completes.
	Decode(ctx context.Context, programImage []byte) (ModuleHandle, error)

	// Instantiate binds a decoded module's imports and returns a runnable
	// instance, or an error, which the HPS reports as a
	// *HostProvisioningError of kind ModuleInstantiationFailure.
	Instantiate(ctx context.Context, module ModuleHandle) (InstanceHandle, error)

	// ExportMemory returns the instance's exported linear memory named
	// "memory", or an error, which the HPS reports as a
	// *HostProvisioningError of kind NoLinearMemoryFound.
	ExportMemory(ctx context.Context, instance InstanceHandle) (MemoryHandle, error)

	// ExportEntry classifies the instance's "main" export.
	ExportEntry(ctx context.Context, instance InstanceHandle) (EntrySignature, error)

	// Invoke calls "main" with args (built according to EntrySignature) and
	// runs synchronously to completion, trap, or error. On success it
	// returns the guest's i32 return value. Host-call dispatch happens
	// synchronously inside this call via HostCallbacks.
	Invoke(ctx context.Context, instance InstanceHandle, args []uint64) (int32, error)

	// MemoryRead copies length bytes from addr in the sandbox's linear
	// memory, or returns an error on out-of-bounds access.
	MemoryRead(ctx context.Context, mem MemoryHandle, addr, length uint32) ([]byte, error)

	// MemoryWrite copies data into the sandbox's linear memory at addr, or
	// returns an error on out-of-bounds access.
	MemoryWrite(ctx context.Context, mem MemoryHandle, addr uint32, data []byte) error

	// MemoryWriteU32LE writes a little-endian u32 at addr.
	MemoryWriteU32LE(ctx context.Context, mem MemoryHandle, addr uint32, value uint32) error
}
