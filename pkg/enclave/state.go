package enclave

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/DeBrosOfficial/enclaverun/pkg/enclave/random"
)

// DataSourceStore holds provisioned input frames in deterministic arrival
// order. It is satisfied by *registry.Registry without this package
// importing that package, avoiding an import cycle (registry imports
// enclave for DataSourceFrame).
type DataSourceStore interface {
	Append(frame DataSourceFrame)
	Count() int
	At(index int) (DataSourceFrame, bool)
	All() []DataSourceFrame
}

// HPS is the host provisioning state machine: it owns the loaded module,
// memory handle, digest, result, and the expected/received client
// bookkeeping, and implements the H-call dispatch the WASM engine calls
// back into during invoke_entry_point.
//
// HPS is a single-writer, many-reader object. Mutating operations
// (SetExpectedDataSources, SetExpectedShutdownSources, LoadProgram,
// AddNewDataSource, InvokeEntryPoint, RequestShutdown, Invalidate) take the
// write lock for their entire duration, including — for InvokeEntryPoint —
// the synchronous H-call re-entry through Dispatch, which runs on the same
// goroutine and therefore never tries to reacquire the lock.
type HPS struct {
	mu sync.RWMutex

	lifecycle LifecycleState

	backend     Backend
	random      random.Source
	dataSources DataSourceStore
	logger      *zap.Logger

	module   ModuleHandle
	instance InstanceHandle
	memory   MemoryHandle
	digest   *[32]byte

	expectedDataSources     []uint64
	expectedShutdownSources []uint64
	receivedShutdown        map[uint64]struct{}

	result []byte
}

// NewHPS constructs an HPS with no backend attached. Call AttachBackend once
// the WASM engine has been constructed with this HPS as its HostCallbacks —
// the two are mutually referential and cannot be built in one step.
func NewHPS(rng random.Source, dataSources DataSourceStore, logger *zap.Logger) *HPS {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HPS{
		lifecycle:        LifecycleInitial,
		random:           rng,
		dataSources:      dataSources,
		logger:           logger,
		receivedShutdown: make(map[uint64]struct{}),
	}
}

// AttachBackend wires the WASM engine this HPS drives. It must be called
// exactly once, before any lifecycle-mutating operation.
func (h *HPS) AttachBackend(b Backend) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.backend = b
}

func (h *HPS) fail(err error) error {
	h.lifecycle = LifecycleError
	return err
}

// SetExpectedDataSources sets E and the authorized client-id list. Permitted
// only while lifecycle = Initial.
func (h *HPS) SetExpectedDataSources(ids []uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lifecycle != LifecycleInitial {
		return h.fail(&InvalidLifeCycleStateError{Expected: []LifecycleState{LifecycleInitial}, Found: h.lifecycle})
	}
	h.expectedDataSources = append([]uint64(nil), ids...)
	return nil
}

// SetExpectedShutdownSources sets the authorized shutdown-requester list.
// Permitted only while lifecycle = Initial.
func (h *HPS) SetExpectedShutdownSources(ids []uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lifecycle != LifecycleInitial {
		return h.fail(&InvalidLifeCycleStateError{Expected: []LifecycleState{LifecycleInitial}, Found: h.lifecycle})
	}
	h.expectedShutdownSources = append([]uint64(nil), ids...)
	return nil
}

// LoadProgram decodes and instantiates a program image, computes its
// digest, and advances the lifecycle to DataSourcesLoading (or directly to
// ReadyToExecute if E = 0). Requires lifecycle = Initial.
func (h *HPS) LoadProgram(ctx context.Context, programImage []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lifecycle != LifecycleInitial {
		return h.fail(&InvalidLifeCycleStateError{Expected: []LifecycleState{LifecycleInitial}, Found: h.lifecycle})
	}
	if h.backend == nil {
		return h.fail(&FatalHostError{Kind: EngineIsNotReady})
	}

	module, err := h.backend.Decode(ctx, programImage)
	if err != nil {
		return h.fail(&HostProvisioningError{Kind: InvalidWASMModule, Cause: err})
	}

	instance, err := h.backend.Instantiate(ctx, module)
	if err != nil {
		return h.fail(&HostProvisioningError{Kind: ModuleInstantiationFailure, Cause: err})
	}

	memory, err := h.backend.ExportMemory(ctx, instance)
	if err != nil {
		return h.fail(&HostProvisioningError{Kind: NoLinearMemoryFound, Cause: err})
	}

	digest := Digest(programImage)

	h.module = module
	h.instance = instance
	h.memory = memory
	h.digest = &digest

	if len(h.expectedDataSources) == 0 {
		h.lifecycle = LifecycleReadyToExecute
	} else {
		h.lifecycle = LifecycleDataSourcesLoading
	}
	return nil
}

// AddNewDataSource appends a provisioned input frame in arrival order.
// Requires lifecycle = DataSourcesLoading. Transitions to ReadyToExecute
// once R = E.
func (h *HPS) AddNewDataSource(meta DataSourceMetadata) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lifecycle != LifecycleDataSourcesLoading {
		return h.fail(&InvalidLifeCycleStateError{Expected: []LifecycleState{LifecycleDataSourcesLoading}, Found: h.lifecycle})
	}

	h.dataSources.Append(DataSourceFrame{ClientID: meta.ClientID, Data: meta.Data})

	if h.dataSources.Count() >= len(h.expectedDataSources) {
		h.lifecycle = LifecycleReadyToExecute
	}
	return nil
}

// InvokeEntryPoint locates main, invokes it synchronously, and advances the
// lifecycle to FinishedExecuting on a clean i32 return. The entire call,
// including H-call re-entry through Dispatch, runs under the write lock.
func (h *HPS) InvokeEntryPoint(ctx context.Context) (int32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lifecycle != LifecycleReadyToExecute {
		h.lifecycle = LifecycleError
		return 0, &FatalHostError{Kind: EngineIsNotReady}
	}
	if h.instance == nil {
		h.lifecycle = LifecycleError
		return 0, &FatalHostError{Kind: NoProgramModuleRegistered}
	}

	entrySig, err := h.backend.ExportEntry(ctx, h.instance)
	if err != nil {
		h.lifecycle = LifecycleError
		return 0, &FatalHostError{Kind: NoProgramEntryPoint, Cause: err}
	}

	var args []uint64
	switch entrySig {
	case EntryNoParameters:
		args = []uint64{}
	case EntryArgvAndArgc:
		args = []uint64{0, 0}
	default:
		h.lifecycle = LifecycleError
		return 0, &FatalHostError{Kind: NoProgramEntryPoint}
	}

	result, err := h.backend.Invoke(ctx, h.instance, args)
	if err != nil {
		h.lifecycle = LifecycleError
		var fatal *FatalHostError
		if errors.As(err, &fatal) {
			return 0, fatal
		}
		return 0, &FatalHostError{Kind: WASMError, Cause: err}
	}

	h.lifecycle = LifecycleFinishedExecuting
	return result, nil
}

// RequestShutdown records client_id's shutdown request if it is authorized;
// otherwise it is silently ignored, per the façade contract.
func (h *HPS) RequestShutdown(clientID uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range h.expectedShutdownSources {
		if id == clientID {
			h.receivedShutdown[clientID] = struct{}{}
			return
		}
	}
}

// Invalidate forces lifecycle := Error unconditionally.
func (h *HPS) Invalidate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lifecycle = LifecycleError
}

// --- pure queries ---

func (h *HPS) IsProgramRegistered() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.module != nil
}

func (h *HPS) IsMemoryRegistered() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.memory != nil
}

func (h *HPS) IsResultRegistered() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.result != nil
}

func (h *HPS) IsAbleToShutdown() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range h.expectedShutdownSources {
		if _, ok := h.receivedShutdown[id]; !ok {
			return false
		}
	}
	return true
}

func (h *HPS) GetLifecycleState() LifecycleState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lifecycle
}

func (h *HPS) GetCurrentDataSourceCount() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return uint64(h.dataSources.Count())
}

func (h *HPS) GetExpectedDataSources() []uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]uint64(nil), h.expectedDataSources...)
}

func (h *HPS) GetExpectedShutdownSources() []uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]uint64(nil), h.expectedShutdownSources...)
}

// GetResult returns the registered result, or ok=false if none has been
// written yet.
func (h *HPS) GetResult() (data []byte, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.result == nil {
		return nil, false
	}
	out := make([]byte, len(h.result))
	copy(out, h.result)
	return out, true
}

// GetProgramDigest returns the loaded program's SHA-256 digest, or ok=false
// if no program has been loaded.
func (h *HPS) GetProgramDigest() (digest [32]byte, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.digest == nil {
		return [32]byte{}, false
	}
	return *h.digest, true
}
