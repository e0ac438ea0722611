package enclave

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AuditRecord describes one lifecycle-mutating operation against a
// Session, independent of how (or whether) it is persisted.
type AuditRecord struct {
	SessionID string
	Operation string
	From      LifecycleState
	To        LifecycleState
	Err       error
	At        time.Time
}

// AuditLogger records AuditRecords. Implementations must not block the
// caller meaningfully — Session treats a logging failure as a warning, not
// an operation failure.
type AuditLogger interface {
	Log(ctx context.Context, record AuditRecord) error
}

// NopAuditLogger discards every record.
type NopAuditLogger struct{}

func (NopAuditLogger) Log(context.Context, AuditRecord) error { return nil }

// Session is the stable outward API surface (C6): one HPS plus a session
// identifier and an optional audit hook invoked after every
// lifecycle-mutating operation. It is the only type external collaborators
// (an HTTP front-end, an attestation verifier) are expected to hold.
type Session struct {
	ID     string
	hps    *HPS
	audit  AuditLogger
	logger *zap.Logger
}

// NewSession wraps hps with a fresh session identifier. audit may be nil,
// in which case a NopAuditLogger is used.
func NewSession(hps *HPS, audit AuditLogger, logger *zap.Logger) *Session {
	if audit == nil {
		audit = NopAuditLogger{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		ID:     uuid.New().String(),
		hps:    hps,
		audit:  audit,
		logger: logger,
	}
}

func (s *Session) record(ctx context.Context, operation string, from LifecycleState, err error) {
	rec := AuditRecord{
		SessionID: s.ID,
		Operation: operation,
		From:      from,
		To:        s.hps.GetLifecycleState(),
		Err:       err,
		At:        time.Now(),
	}
	if logErr := s.audit.Log(ctx, rec); logErr != nil {
		s.logger.Warn("audit log failed",
			zap.String("session_id", s.ID),
			zap.String("operation", operation),
			zap.Error(logErr),
		)
	}
}

func (s *Session) SetExpectedDataSources(ctx context.Context, ids []uint64) error {
	from := s.hps.GetLifecycleState()
	err := s.hps.SetExpectedDataSources(ids)
	s.record(ctx, "set_expected_data_sources", from, err)
	return err
}

func (s *Session) SetExpectedShutdownSources(ctx context.Context, ids []uint64) error {
	from := s.hps.GetLifecycleState()
	err := s.hps.SetExpectedShutdownSources(ids)
	s.record(ctx, "set_expected_shutdown_sources", from, err)
	return err
}

func (s *Session) LoadProgram(ctx context.Context, programImage []byte) error {
	from := s.hps.GetLifecycleState()
	err := s.hps.LoadProgram(ctx, programImage)
	s.record(ctx, "load_program", from, err)
	return err
}

func (s *Session) AddNewDataSource(ctx context.Context, meta DataSourceMetadata) error {
	from := s.hps.GetLifecycleState()
	err := s.hps.AddNewDataSource(meta)
	s.record(ctx, "add_new_data_source", from, err)
	return err
}

func (s *Session) InvokeEntryPoint(ctx context.Context) (int32, error) {
	from := s.hps.GetLifecycleState()
	result, err := s.hps.InvokeEntryPoint(ctx)
	s.record(ctx, "invoke_entry_point", from, err)
	return result, err
}

func (s *Session) RequestShutdown(ctx context.Context, clientID uint64) {
	from := s.hps.GetLifecycleState()
	s.hps.RequestShutdown(clientID)
	s.record(ctx, "request_shutdown", from, nil)
}

func (s *Session) Invalidate(ctx context.Context) {
	from := s.hps.GetLifecycleState()
	s.hps.Invalidate()
	s.record(ctx, "invalidate", from, nil)
}

func (s *Session) IsProgramRegistered() bool            { return s.hps.IsProgramRegistered() }
func (s *Session) IsMemoryRegistered() bool             { return s.hps.IsMemoryRegistered() }
func (s *Session) IsResultRegistered() bool             { return s.hps.IsResultRegistered() }
func (s *Session) IsAbleToShutdown() bool               { return s.hps.IsAbleToShutdown() }
func (s *Session) GetLifecycleState() LifecycleState    { return s.hps.GetLifecycleState() }
func (s *Session) GetCurrentDataSourceCount() uint64    { return s.hps.GetCurrentDataSourceCount() }
func (s *Session) GetExpectedDataSources() []uint64     { return s.hps.GetExpectedDataSources() }
func (s *Session) GetExpectedShutdownSources() []uint64 { return s.hps.GetExpectedShutdownSources() }
func (s *Session) GetResult() ([]byte, bool)            { return s.hps.GetResult() }
func (s *Session) GetProgramDigest() ([32]byte, bool)   { return s.hps.GetProgramDigest() }
