// Package wasmengine adapts github.com/tetratelabs/wazero to the narrow
// enclave.Backend capability boundary: decode, instantiate, export_memory,
// export_entry, invoke, memory_read, memory_write, memory_write_u32_le.
// No wazero type ever crosses into the enclave package's own signatures.
package wasmengine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/enclaverun/pkg/enclave"
)

const hostModuleName = "env"

var _ enclave.Backend = (*Engine)(nil)

// Engine is the single wazero runtime backing one enclave session. It is
// constructed with the HPS's Dispatch method already bound as the host
// module's implementation, mirroring how DeBrosOfficial's Engine wires
// host-service methods into wazero's builder at construction time.
type Engine struct {
	runtime      wazero.Runtime
	callbacks    enclave.HostCallbacks
	logger       *zap.Logger
	programCache ProgramCache
	moduleCache  map[[32]byte]wazero.CompiledModule
	moduleMu     sync.Mutex
}

// moduleHandle is the concrete type behind enclave.ModuleHandle for this
// backend: a compiled module, already past Decode's start-section check.
type moduleHandle struct {
	compiled wazero.CompiledModule
}

// instanceHandle is the concrete type behind enclave.InstanceHandle.
type instanceHandle struct {
	mod api.Module
}

// memoryHandle is the concrete type behind enclave.MemoryHandle.
type memoryHandle struct {
	mem api.Memory
}

// Option configures optional Engine behavior at construction time.
type Option func(*Engine)

// WithProgramCache attaches a ProgramCache that Decode publishes each newly
// seen program image to, under its digest, before compiling it. Decode
// never reads from the cache; it always compiles from the given bytes. In
// a multi-process deployment this is normally an *OlricProgramCache; tests
// and single-process runs can pass NewLocalProgramCache() or omit the
// option entirely.
func WithProgramCache(cache ProgramCache) Option {
	return func(e *Engine) { e.programCache = cache }
}

// NewEngine builds a wazero runtime and registers the five H-calls under
// the "env" module, bound to callbacks.Dispatch. callbacks is normally an
// *enclave.HPS, attached to this Engine afterward via HPS.AttachBackend.
func NewEngine(ctx context.Context, callbacks enclave.HostCallbacks, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	runtimeConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	e := &Engine{
		runtime:     runtime,
		callbacks:   callbacks,
		logger:      logger,
		moduleCache: make(map[[32]byte]wazero.CompiledModule),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.registerHostModule(ctx); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("register host module: %w", err)
	}

	return e, nil
}

// registerHostModule exports exactly the five H-calls named and signed per
// hcallTable, using the stack-based GoModuleFunction API so the dispatcher
// sees the guest's raw argument stack rather than a reflection-bound copy.
// Because wazero's own import resolution enforces that an imported
// function's signature matches what is declared here, and because no
// global/memory/table is ever registered under "env", a guest that imports
// an unknown name, a mismatched signature, or any env global/memory/table
// simply fails wazero's own instantiation-time resolution — no custom
// resolver logic is needed beyond this registration.
func (e *Engine) registerHostModule(ctx context.Context) error {
	builder := e.runtime.NewHostModuleBuilder(hostModuleName)

	for _, call := range enclave.HCallTable() {
		index := call.Index
		name := string(call.Name)
		params := make([]api.ValueType, call.ParamCount)
		for i := range params {
			params[i] = api.ValueTypeI32
		}
		results := []api.ValueType{api.ValueTypeI32}

		builder = builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				e.dispatch(ctx, mod, index, stack)
			}), params, results).
			Export(name)
	}

	_, err := builder.Instantiate(ctx)
	return err
}

// dispatch is called synchronously by wazero on the guest's calling
// goroutine. A non-nil error from callbacks.Dispatch is always a
// *enclave.FatalHostError; panicking with it is recovered by wazero's
// engine and surfaced as a wrapped error from the enclosing Function.Call,
// from which Invoke below unwraps the original *enclave.FatalHostError.
func (e *Engine) dispatch(ctx context.Context, mod api.Module, index enclave.HCallIndex, stack []uint64) {
	mem := enclave.MemoryHandle(memoryHandle{mem: mod.Memory()})
	status, err := e.callbacks.Dispatch(ctx, int(index), mem, stack)
	if err != nil {
		panic(err)
	}
	stack[0] = uint64(status)
}

// Decode performs wazero's own structural/syntactic validation by
// compiling the module; it does not instantiate, so a declared start
// function has not yet run.
//
// Compiled modules are cached process-locally by digest, mirroring
// DeBrosOfficial's Engine.moduleCache: a second Decode of bytes already
// seen by this process reuses the wazero.CompiledModule instead of
// recompiling. If a ProgramCache was supplied via WithProgramCache, the raw
// image is also published there under its digest, so a sibling process
// holding the same ProgramCache can retrieve the bytes by digest through
// ProgramCache.Get without the image being resent to it out of band. The
// compiled module itself is never stored outside this process, since
// wazero.CompiledModule cannot be serialized across a cluster.
func (e *Engine) Decode(ctx context.Context, programImage []byte) (enclave.ModuleHandle, error) {
	if len(programImage) == 0 {
		return nil, fmt.Errorf("program image is empty")
	}
	if hasStartSection(programImage) {
		return nil, fmt.Errorf("module declares a start function, which is forbidden")
	}
	digest := enclave.Digest(programImage)

	e.moduleMu.Lock()
	if compiled, ok := e.moduleCache[digest]; ok {
		e.moduleMu.Unlock()
		return moduleHandle{compiled: compiled}, nil
	}
	e.moduleMu.Unlock()

	if e.programCache != nil {
		if err := e.programCache.Put(ctx, digest, programImage); err != nil {
			e.logger.Warn("failed to populate program cache", zap.Error(err))
		}
	}

	compiled, err := e.runtime.CompileModule(ctx, programImage)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}

	e.moduleMu.Lock()
	e.moduleCache[digest] = compiled
	e.moduleMu.Unlock()

	return moduleHandle{compiled: compiled}, nil
}

// Instantiate instantiates against the runtime's registered "env" host
// module. Decode has already rejected any module declaring a start
// section, so WithStartFunctions() here is defense in depth, not the
// primary enforcement point.
func (e *Engine) Instantiate(ctx context.Context, module enclave.ModuleHandle) (enclave.InstanceHandle, error) {
	mh, ok := module.(moduleHandle)
	if !ok {
		return nil, fmt.Errorf("unrecognized module handle")
	}

	cfg := wazero.NewModuleConfig().WithStartFunctions()
	mod, err := e.runtime.InstantiateModule(ctx, mh.compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate module: %w", err)
	}
	return instanceHandle{mod: mod}, nil
}

// ExportMemory returns the instance's linear memory exported as "memory".
func (e *Engine) ExportMemory(ctx context.Context, instance enclave.InstanceHandle) (enclave.MemoryHandle, error) {
	ih, ok := instance.(instanceHandle)
	if !ok {
		return nil, fmt.Errorf("unrecognized instance handle")
	}
	mem := ih.mod.ExportedMemory("memory")
	if mem == nil {
		return nil, fmt.Errorf("module does not export a memory named %q", "memory")
	}
	return memoryHandle{mem: mem}, nil
}

// ExportEntry classifies the instance's "main" export by its WASM
// signature: () -> i32 is NoParameters; (i32, i32) -> i32 is ArgvAndArgc;
// anything else, including a missing export, is NoEntryFound.
func (e *Engine) ExportEntry(ctx context.Context, instance enclave.InstanceHandle) (enclave.EntrySignature, error) {
	ih, ok := instance.(instanceHandle)
	if !ok {
		return enclave.EntryNoEntryFound, fmt.Errorf("unrecognized instance handle")
	}
	fn := ih.mod.ExportedFunction("main")
	if fn == nil {
		return enclave.EntryNoEntryFound, nil
	}
	def := fn.Definition()
	params, results := def.ParamTypes(), def.ResultTypes()

	switch {
	case len(params) == 0 && len(results) == 1 && results[0] == api.ValueTypeI32:
		return enclave.EntryNoParameters, nil
	case len(params) == 2 && params[0] == api.ValueTypeI32 && params[1] == api.ValueTypeI32 &&
		len(results) == 1 && results[0] == api.ValueTypeI32:
		return enclave.EntryArgvAndArgc, nil
	default:
		return enclave.EntryNoEntryFound, nil
	}
}

// Invoke calls "main" synchronously. H-call dispatch happens reentrantly
// inside Call, on this same goroutine.
func (e *Engine) Invoke(ctx context.Context, instance enclave.InstanceHandle, args []uint64) (result int32, err error) {
	ih, ok := instance.(instanceHandle)
	if !ok {
		return 0, fmt.Errorf("unrecognized instance handle")
	}
	fn := ih.mod.ExportedFunction("main")
	if fn == nil {
		return 0, fmt.Errorf("module does not export \"main\"")
	}

	defer func() {
		if r := recover(); r != nil {
			if fatal, ok := r.(*enclave.FatalHostError); ok {
				err = fatal
				return
			}
			err = fmt.Errorf("panic during invocation: %v", r)
		}
	}()

	results, callErr := fn.Call(ctx, args...)
	if callErr != nil {
		var fatal *enclave.FatalHostError
		if errors.As(callErr, &fatal) {
			return 0, fatal
		}
		return 0, &enclave.FatalHostError{Kind: enclave.WASMTrapError, Cause: callErr}
	}
	if len(results) != 1 {
		return 0, &enclave.FatalHostError{Kind: enclave.ReturnedCodeError}
	}
	return int32(uint32(results[0])), nil
}

// MemoryRead copies length bytes from addr in the sandbox's linear memory.
func (e *Engine) MemoryRead(ctx context.Context, mem enclave.MemoryHandle, addr, length uint32) ([]byte, error) {
	mh, ok := mem.(memoryHandle)
	if !ok {
		return nil, fmt.Errorf("unrecognized memory handle")
	}
	data, ok := mh.mem.Read(addr, length)
	if !ok {
		return nil, fmt.Errorf("out of bounds read at addr=%d len=%d", addr, length)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// MemoryWrite copies data into the sandbox's linear memory at addr.
func (e *Engine) MemoryWrite(ctx context.Context, mem enclave.MemoryHandle, addr uint32, data []byte) error {
	mh, ok := mem.(memoryHandle)
	if !ok {
		return fmt.Errorf("unrecognized memory handle")
	}
	if !mh.mem.Write(addr, data) {
		return fmt.Errorf("out of bounds write at addr=%d len=%d", addr, len(data))
	}
	return nil
}

// MemoryWriteU32LE writes a little-endian u32 at addr.
func (e *Engine) MemoryWriteU32LE(ctx context.Context, mem enclave.MemoryHandle, addr uint32, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return e.MemoryWrite(ctx, mem, addr, buf[:])
}

// Close releases the underlying wazero runtime and every module compiled
// against it.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// hasStartSection reports whether a WASM binary declares a start section
// (section id 8), which the core forbids. wazero's CompiledModule does not
// expose this, so the raw binary is scanned directly: an 8-byte preamble
// (magic + version) followed by a sequence of (id: byte, size: LEB128,
// contents) sections.
func hasStartSection(wasm []byte) bool {
	const preambleLen = 8
	if len(wasm) < preambleLen {
		return false
	}
	offset := preambleLen
	for offset < len(wasm) {
		id := wasm[offset]
		offset++
		size, n, ok := readULEB128(wasm[offset:])
		if !ok {
			return false
		}
		offset += n
		if id == 8 {
			return true
		}
		offset += int(size)
	}
	return false
}

// readULEB128 decodes an unsigned LEB128 integer, returning the value, the
// number of bytes consumed, and whether decoding succeeded.
func readULEB128(b []byte) (value uint64, n int, ok bool) {
	var shift uint
	for n = 0; n < len(b) && n < 10; n++ {
		byt := b[n]
		value |= uint64(byt&0x7f) << shift
		if byt&0x80 == 0 {
			return value, n + 1, true
		}
		shift += 7
	}
	return 0, 0, false
}
