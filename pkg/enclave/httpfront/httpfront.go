// Package httpfront is a demo HTTP front-end (C9) over enclave.Sessions,
// each resolved by the {id} path segment. It stands in for the real
// attestation-gated provisioning front-end the specification treats as an
// external collaborator: no attestation, no wire codec negotiation — raw
// request bodies in and plain JSON (or the raw result bytes) out over the
// façade's operations, useful for local testing.
package httpfront

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/enclaverun/pkg/enclave"
)

// SessionLookup resolves a path {id} to a live session, or ok=false if no
// such session exists.
type SessionLookup func(id string) (*enclave.Session, bool)

// NewRouter builds the demo front-end's routes. lookup is called on every
// request to resolve the session named by the {id} path segment.
func NewRouter(lookup SessionLookup, logger *zap.Logger) chi.Router {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/v1/sessions/{id}", func(r chi.Router) {
		r.Post("/program", handleLoadProgram(lookup, logger))
		r.Post("/data-sources/{clientID}", handleAddDataSource(lookup, logger))
		r.Post("/invoke", handleInvoke(lookup, logger))
		r.Get("/state", handleState(lookup))
		r.Get("/result", handleResult(lookup))
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func resolveSession(w http.ResponseWriter, r *http.Request, lookup SessionLookup) (*enclave.Session, bool) {
	id := chi.URLParam(r, "id")
	session, ok := lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no session %q", id))
		return nil, false
	}
	return session, true
}

func handleLoadProgram(lookup SessionLookup, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := resolveSession(w, r, lookup)
		if !ok {
			return
		}
		body, err := readAll(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := session.LoadProgram(r.Context(), body); err != nil {
			logger.Warn("load_program failed", zap.Error(err))
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"state": session.GetLifecycleState().String()})
	}
}

func handleAddDataSource(lookup SessionLookup, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := resolveSession(w, r, lookup)
		if !ok {
			return
		}
		clientID, err := strconv.ParseUint(chi.URLParam(r, "clientID"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		body, err := readAll(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		meta := enclave.DataSourceMetadata{ClientID: clientID, Data: body}
		if err := session.AddNewDataSource(r.Context(), meta); err != nil {
			logger.Warn("add_new_data_source failed", zap.Error(err))
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"state": session.GetLifecycleState().String()})
	}
}

func handleInvoke(lookup SessionLookup, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := resolveSession(w, r, lookup)
		if !ok {
			return
		}
		result, err := session.InvokeEntryPoint(r.Context())
		if err != nil {
			logger.Warn("invoke_entry_point failed", zap.Error(err))
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"result_code": result})
	}
}

func handleState(lookup SessionLookup) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := resolveSession(w, r, lookup)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"state":              session.GetLifecycleState().String(),
			"program_registered": session.IsProgramRegistered(),
			"memory_registered":  session.IsMemoryRegistered(),
			"result_registered":  session.IsResultRegistered(),
			"data_source_count":  session.GetCurrentDataSourceCount(),
			"able_to_shutdown":   session.IsAbleToShutdown(),
		})
	}
}

func handleResult(lookup SessionLookup) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := resolveSession(w, r, lookup)
		if !ok {
			return
		}
		result, ok := session.GetResult()
		if !ok {
			writeError(w, http.StatusNotFound, enclave.ErrNoResult)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result)
	}
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
