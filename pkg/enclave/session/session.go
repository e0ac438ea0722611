// Package session assembles one enclave.Session: a fresh wazero-backed
// engine, a data-source registry, and the HPS they drive, wired together.
// It exists because enclave.HPS and wasmengine.Engine are mutually
// referential (the engine's host module calls back into the HPS; the HPS
// calls back into the engine for memory access and invocation) and cannot
// be constructed from within either package without an import cycle.
package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/DeBrosOfficial/enclaverun/pkg/enclave"
	"github.com/DeBrosOfficial/enclaverun/pkg/enclave/random"
	"github.com/DeBrosOfficial/enclaverun/pkg/enclave/registry"
	"github.com/DeBrosOfficial/enclaverun/pkg/enclave/wasmengine"
)

// New constructs one isolated enclave session: a new wazero runtime, a new
// data-source registry, and a new HPS, and returns the Session façade that
// fronts them. Each Session owns its own runtime; sessions never share WASM
// engine state. Passing a non-nil programCache makes Decode publish every
// newly seen program image to it by digest, where other sessions (possibly
// in another process, if programCache is an *wasmengine.OlricProgramCache)
// can fetch it with ProgramCache.Get; Decode itself does not read from it.
// The compiled module always stays local to this Session's engine.
func New(ctx context.Context, audit enclave.AuditLogger, logger *zap.Logger, programCache ...wasmengine.ProgramCache) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var engineOpts []wasmengine.Option
	for _, cache := range programCache {
		if cache != nil {
			engineOpts = append(engineOpts, wasmengine.WithProgramCache(cache))
		}
	}

	dataSources := registry.New()
	hps := enclave.NewHPS(random.NewCryptoSource(), dataSources, logger)

	engine, err := wasmengine.NewEngine(ctx, hps, logger, engineOpts...)
	if err != nil {
		return nil, fmt.Errorf("construct wasm engine: %w", err)
	}
	hps.AttachBackend(engine)

	return &Session{
		Session: enclave.NewSession(hps, audit, logger),
		engine:  engine,
	}, nil
}

// Session embeds the stable enclave.Session façade and additionally owns
// the wazero runtime backing it, so callers have a single handle to close.
type Session struct {
	*enclave.Session
	engine *wasmengine.Engine
}

// Close releases the wazero runtime and every module compiled against it.
// Safe to call once a session has reached LifecycleFinishedExecuting or
// LifecycleError and is no longer needed.
func (s *Session) Close(ctx context.Context) error {
	return s.engine.Close(ctx)
}
