package httpfront

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/DeBrosOfficial/enclaverun/pkg/enclave"
	"github.com/DeBrosOfficial/enclaverun/pkg/enclave/session"
)

// wasmMainReturns42 exports main() -> i32 returning the constant 42 and a
// one-page linear memory named "memory", with no imports, no data sources
// expected, and no start section.
var wasmMainReturns42 = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x05, 0x03, 0x01, 0x00, 0x01,
	0x07, 0x11, 0x02, 0x04, 0x6d, 0x61, 0x69, 0x6e, 0x00, 0x00, 0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00,
	0x0a, 0x06, 0x01, 0x04, 0x00, 0x41, 0x2a, 0x0b,
}

// testSessions is a tiny in-memory SessionLookup backed by *session.Session,
// good enough to exercise the router end to end over a real wazero engine.
type testSessions struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

func newTestSessions() *testSessions {
	return &testSessions{sessions: make(map[string]*session.Session)}
}

func (s *testSessions) create(t *testing.T) (string, *session.Session) {
	t.Helper()
	sess, err := session.New(context.Background(), nil, zap.NewNop())
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close(context.Background()) })

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return sess.ID, sess
}

func (s *testSessions) lookup(id string) (*enclave.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.Session, true
}

func TestRouter_LoadProgramStateInvokeResult(t *testing.T) {
	sessions := newTestSessions()
	id, _ := sessions.create(t)
	router := NewRouter(sessions.lookup, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/program", strings.NewReader(string(wasmMainReturns42)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("load_program: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/sessions/"+id+"/state", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("state: expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ReadyToExecute") {
		t.Errorf("expected state to report ReadyToExecute, got %s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/invoke", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("invoke: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "42") {
		t.Errorf("expected result_code 42 in response, got %s", rec.Body.String())
	}
}

func TestRouter_UnknownSessionReturns404(t *testing.T) {
	sessions := newTestSessions()
	router := NewRouter(sessions.lookup, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/does-not-exist/state", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestRouter_LoadProgramEmptyBodyReturns422(t *testing.T) {
	sessions := newTestSessions()
	id, _ := sessions.create(t)
	router := NewRouter(sessions.lookup, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/program", strings.NewReader(""))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for an empty program image, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRouter_ResultNotFoundBeforeInvoke(t *testing.T) {
	sessions := newTestSessions()
	id, _ := sessions.create(t)
	router := NewRouter(sessions.lookup, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/"+id+"/result", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 before any result is registered, got %d", rec.Code)
	}
}

func TestRouter_AddDataSourceBadClientIDReturns400(t *testing.T) {
	sessions := newTestSessions()
	id, _ := sessions.create(t)
	router := NewRouter(sessions.lookup, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/data-sources/not-a-number", strings.NewReader("data"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a non-numeric client ID, got %d", rec.Code)
	}
}
