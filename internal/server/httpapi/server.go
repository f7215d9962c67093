// Package httpapi exposes the sync engine over HTTP/JSON: account endpoints,
// push/pull, conflict listing and resolution. Payloads pass through as opaque
// strings; the server never decrypts them.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/envsync/envsync/internal/logging"
	"github.com/envsync/envsync/internal/server/models"
	"github.com/envsync/envsync/internal/server/repositories/conflicts"
	"github.com/envsync/envsync/internal/server/services"
)

// UserProvider is the account surface the HTTP layer needs.
type UserProvider interface {
	Register(ctx context.Context, username string, salt, verifier []byte) (*models.User, error)
	Login(ctx context.Context, username string, verifierCandidate []byte) (*services.TokenPair, error)
	GetSalt(ctx context.Context, username string) ([]byte, error)
	RefreshToken(ctx context.Context, refreshToken string) (*services.TokenPair, error)
}

// SyncProvider is the sync-engine surface the HTTP layer needs.
type SyncProvider interface {
	Push(ctx context.Context, userID string, req *services.PushRequest) (*services.PushResult, error)
	PushBatch(ctx context.Context, userID string, reqs []*services.PushRequest) ([]*services.PushResult, []services.BatchItemError)
	Pull(ctx context.Context, userID string, items []services.PullItem) ([]services.PullUpdate, []services.BatchItemError)
	ListConflicts(ctx context.Context, userID string) ([]*conflicts.PendingConflict, error)
	ListStates(ctx context.Context, userID string) ([]*models.SyncState, error)
	Resolve(ctx context.Context, userID, conflictID string, resolution models.ConflictResolution, resolvedData string) error
}

type Server struct {
	address   string
	logger    logging.Logger
	users     UserProvider
	sync      SyncProvider
	jwtSecret []byte
}

func NewServer(address string, l logging.Logger, us UserProvider, ss SyncProvider, secretKey string) *Server {
	return &Server{
		address:   address,
		logger:    l.With("module", "http_server"),
		users:     us,
		sync:      ss,
		jwtSecret: []byte(secretKey),
	}
}

// Router builds the full route table. Split out from Run so tests can drive
// handlers through httptest without binding a socket.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)
	api.HandleFunc("/salt", s.handleGetSalt).Methods(http.MethodGet)

	authed := api.PathPrefix("/sync").Subrouter()
	authed.Use(s.authMiddleware)
	authed.HandleFunc("/push", s.handlePush).Methods(http.MethodPost)
	authed.HandleFunc("/batch", s.handlePushBatch).Methods(http.MethodPost)
	authed.HandleFunc("/pull", s.handlePull).Methods(http.MethodPost)
	authed.HandleFunc("/conflicts", s.handleListConflicts).Methods(http.MethodGet)
	authed.HandleFunc("/conflicts/{conflict_id}/resolve", s.handleResolve).Methods(http.MethodPost)
	authed.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.address,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", s.address)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
