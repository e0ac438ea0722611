package enclave

import (
	"context"
	"errors"

	"github.com/DeBrosOfficial/enclaverun/pkg/enclave/random"
)

var _ HostCallbacks = (*HPS)(nil)

// Dispatch is the HostCallbacks implementation the WASM engine calls back
// into, synchronously, on the same goroutine that is already holding h.mu
// via InvokeEntryPoint. It never locks h.mu itself.
//
// Arity is checked first and unconditionally, against the single
// hcallTable — the only place that maps an index to its own name — so a
// wrong-arity call is always tagged with the name of the H-call that was
// actually invoked, never a neighbor's.
func (h *HPS) Dispatch(ctx context.Context, index int, mem MemoryHandle, args []uint64) (uint32, error) {
	idx := HCallIndex(index)

	expected, ok := hcallArity(idx)
	if !ok {
		return 0, &FatalHostError{Kind: UnknownHostFunction, Index: index}
	}
	if len(args) != expected {
		name, _ := hcallName(idx)
		return 0, &FatalHostError{Kind: BadArgumentsToHostFunction, FunctionName: string(name)}
	}
	args = args[:expected]

	if h.memory == nil {
		return 0, &FatalHostError{Kind: NoMemoryRegistered}
	}

	switch idx {
	case HCallIndexInputCount:
		return h.hcallInputCount(ctx, mem, uint32(args[0]))
	case HCallIndexInputSize:
		return h.hcallInputSize(ctx, mem, uint32(args[0]), uint32(args[1]))
	case HCallIndexReadInput:
		return h.hcallReadInput(ctx, mem, uint32(args[0]), uint32(args[1]), uint32(args[2]))
	case HCallIndexWriteOutput:
		return h.hcallWriteOutput(ctx, mem, uint32(args[0]), uint32(args[1]))
	case HCallIndexGetRandom:
		return h.hcallGetRandom(ctx, mem, uint32(args[0]), uint32(args[1]))
	default:
		return 0, &FatalHostError{Kind: UnknownHostFunction, Index: index}
	}
}

// hcallInputCount writes the current R to out_ptr.
func (h *HPS) hcallInputCount(ctx context.Context, mem MemoryHandle, outPtr uint32) (uint32, error) {
	count := uint32(h.dataSources.Count())
	if err := h.backend.MemoryWriteU32LE(ctx, mem, outPtr, count); err != nil {
		return 0, &FatalHostError{Kind: MemoryWriteFailed, Addr: outPtr, Len: 4}
	}
	return uint32(StatusSuccess), nil
}

// hcallInputSize writes |data| for the data source at index to out_ptr, or
// returns BadInput if index >= R.
func (h *HPS) hcallInputSize(ctx context.Context, mem MemoryHandle, index, outPtr uint32) (uint32, error) {
	frame, ok := h.dataSources.At(int(index))
	if !ok {
		return uint32(StatusBadInput), nil
	}
	if err := h.backend.MemoryWriteU32LE(ctx, mem, outPtr, uint32(len(frame.Data))); err != nil {
		return 0, &FatalHostError{Kind: MemoryWriteFailed, Addr: outPtr, Len: 4}
	}
	return uint32(StatusSuccess), nil
}

// hcallReadInput copies the data source at index into the guest buffer at
// bufPtr/bufSz, or BadInput if index >= R, or DataSourceSize if the data
// does not fit — with no partial write in either failure case.
func (h *HPS) hcallReadInput(ctx context.Context, mem MemoryHandle, index, bufPtr, bufSz uint32) (uint32, error) {
	frame, ok := h.dataSources.At(int(index))
	if !ok {
		return uint32(StatusBadInput), nil
	}
	if uint32(len(frame.Data)) > bufSz {
		return uint32(StatusDataSourceSize), nil
	}
	if err := h.backend.MemoryWrite(ctx, mem, bufPtr, frame.Data); err != nil {
		return 0, &FatalHostError{Kind: MemoryWriteFailed, Addr: bufPtr, Len: uint32(len(frame.Data))}
	}
	return uint32(StatusSuccess), nil
}

// hcallWriteOutput reads bufSz bytes from bufPtr and registers them as the
// result, unless a result is already registered. The result becomes
// observable to callers of GetResult only once InvokeEntryPoint returns.
func (h *HPS) hcallWriteOutput(ctx context.Context, mem MemoryHandle, bufPtr, bufSz uint32) (uint32, error) {
	data, err := h.backend.MemoryRead(ctx, mem, bufPtr, bufSz)
	if err != nil {
		return 0, &FatalHostError{Kind: MemoryReadFailed, Addr: bufPtr, Len: bufSz}
	}
	if h.result != nil {
		return uint32(StatusResultAlreadyWritten), nil
	}
	h.result = append([]byte(nil), data...)
	return uint32(StatusSuccess), nil
}

// hcallGetRandom fills the guest buffer at bufPtr/bufSz with random bytes,
// sized to exactly the requested length — never a zero-length allocation
// whose backing pointer is reused after the call.
func (h *HPS) hcallGetRandom(ctx context.Context, mem MemoryHandle, bufPtr, bufSz uint32) (uint32, error) {
	buf := make([]byte, bufSz)
	if err := h.random.Read(buf); err != nil {
		if errors.Is(err, random.ErrUnavailable) {
			return uint32(StatusServiceUnavailable), nil
		}
		return uint32(StatusGeneric), nil
	}
	if err := h.backend.MemoryWrite(ctx, mem, bufPtr, buf); err != nil {
		return 0, &FatalHostError{Kind: MemoryWriteFailed, Addr: bufPtr, Len: bufSz}
	}
	return uint32(StatusSuccess), nil
}
