// Command enclaved runs the demo HTTP front-end (C9) over in-memory
// enclave sessions. It is not the production provisioning service the
// specification treats as an external collaborator — there is no
// attestation, no wire codec — just a thin local harness for exercising
// the core end to end.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"github.com/DeBrosOfficial/enclaverun/pkg/enclave"
	"github.com/DeBrosOfficial/enclaverun/pkg/enclave/audit"
	"github.com/DeBrosOfficial/enclaverun/pkg/enclave/httpfront"
	"github.com/DeBrosOfficial/enclaverun/pkg/enclave/session"
)

func main() {
	listenAddr := flag.String("listen", ":8088", "HTTP listen address")
	auditURL := flag.String("audit-url", "", "rqlite HTTP endpoint for the provisioning audit log (empty disables auditing)")
	autocertDomain := flag.String("autocert-domain", "", "domain to obtain a Let's Encrypt certificate for via ACME (empty serves plain HTTP)")
	autocertCacheDir := flag.String("autocert-cache-dir", "/var/cache/enclaved/autocert", "directory autocert uses to persist issued certificates")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	var auditLogger enclave.AuditLogger = enclave.NopAuditLogger{}
	if *auditURL != "" {
		rqliteLogger, err := audit.Open(context.Background(), *auditURL, logger)
		if err != nil {
			logger.Fatal("failed to open audit log", zap.Error(err))
		}
		defer rqliteLogger.Close()
		auditLogger = rqliteLogger
	}

	store := newSessionStore(auditLogger, logger)

	router := httpfront.NewRouter(store.lookup, logger)
	router.Post("/v1/sessions", store.create)

	server := &http.Server{
		Addr:    *listenAddr,
		Handler: router,
	}

	var certManager *autocert.Manager
	if *autocertDomain != "" {
		certManager = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(*autocertDomain),
			Cache:      autocert.DirCache(*autocertCacheDir),
		}
		server.TLSConfig = &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: certManager.GetCertificate,
		}
	}

	go func() {
		if certManager != nil {
			logger.Info("enclaved listening over HTTPS",
				zap.String("addr", *listenAddr),
				zap.String("domain", *autocertDomain),
			)
			if err := server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Fatal("server failed", zap.Error(err))
			}
		} else {
			logger.Info("enclaved listening", zap.String("addr", *listenAddr))
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("server failed", zap.Error(err))
			}
		}
	}()

	if certManager != nil {
		go func() {
			challengeServer := &http.Server{Addr: ":80", Handler: certManager.HTTPHandler(nil)}
			if err := challengeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("ACME challenge server failed", zap.Error(err))
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
	store.closeAll(ctx)
}

// sessionStore holds the demo's in-memory sessions, keyed by session ID.
// A real deployment would not keep WASM engines resident like this across
// an unbounded number of sessions; it exists purely to let httpfront
// resolve {id} path segments against something.
type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
	audit    enclave.AuditLogger
	logger   *zap.Logger
}

func newSessionStore(audit enclave.AuditLogger, logger *zap.Logger) *sessionStore {
	return &sessionStore{
		sessions: make(map[string]*session.Session),
		audit:    audit,
		logger:   logger,
	}
}

func (s *sessionStore) create(w http.ResponseWriter, r *http.Request) {
	sess, err := session.New(r.Context(), s.audit, s.logger)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(`{"id":"` + sess.ID + `"}`))
}

func (s *sessionStore) lookup(id string) (*enclave.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.Session, true
}

func (s *sessionStore) closeAll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if err := sess.Close(ctx); err != nil {
			s.logger.Warn("failed to close session", zap.String("session_id", id), zap.Error(err))
		}
	}
}
