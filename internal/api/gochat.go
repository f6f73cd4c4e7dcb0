package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Hayvi/roomy/internal/config"
	"github.com/Hayvi/roomy/internal/database"
	"github.com/Hayvi/roomy/internal/limiter"
	"github.com/Hayvi/roomy/internal/presence"
	"github.com/Hayvi/roomy/internal/server"
	"github.com/Hayvi/roomy/internal/stats"
	"github.com/Hayvi/roomy/internal/storage"
	"github.com/Hayvi/roomy/internal/types"
	reqlog "github.com/chi-middleware/logrus-logger"
	"github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"
)

// Services are the pluggable backends behind the HTTP handlers.
// Nil fields fall back to single-node in-memory implementations.
type Services struct {
	Presence presence.Tracker
	Limiter  limiter.Limiter
	Store    storage.AttachmentStore
}

type GoChatApp struct {
	log            *logrus.Logger
	db             database.ChatRepository
	srv            *http.Server
	cs             *server.ChatServer
	stats          stats.StatsProvider
	presence       presence.Tracker
	limiter        limiter.Limiter
	store          storage.AttachmentStore
	signingKey     []byte
	sessionTTL     time.Duration
	publicURL      string
	allowedOrigins []string
}

func NewGoChatApp(mux *http.ServeMux, logger *logrus.Logger, cs *server.ChatServer, db database.ChatRepository, su stats.StatsProvider, svc Services, cfg *config.Config) *GoChatApp {
	if svc.Presence == nil {
		svc.Presence = presence.NewMemoryTracker(types.OnlineWindow)
	}
	if svc.Limiter == nil {
		svc.Limiter = limiter.Unlimited{}
	}
	if svc.Store == nil {
		svc.Store = storage.NewMemoryStore()
	}

	sessionTTL := cfg.SessionTTL
	if sessionTTL == 0 {
		sessionTTL = 24 * time.Hour
	}

	s := &GoChatApp{
		log:            logger,
		db:             db,
		cs:             cs,
		stats:          su,
		presence:       svc.Presence,
		limiter:        svc.Limiter,
		store:          svc.Store,
		signingKey:     cfg.SigningKey,
		sessionTTL:     sessionTTL,
		publicURL:      cfg.PublicURL,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/auth/anonymous", limitBody(s.signIn))
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.HandleFunc("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.HandleFunc("GET /api/profiles/{id}", s.authMiddleware(s.getProfile))
	mux.HandleFunc("GET /api/rooms", s.authMiddleware(s.listRooms))
	mux.HandleFunc("GET /api/rooms/{id}", s.authMiddleware(s.getRoom))
	mux.HandleFunc("DELETE /api/rooms/{id}", s.authMiddleware(s.deleteRoom))
	mux.HandleFunc("GET /api/rooms/{id}/secret", s.authMiddleware(s.getRoomSecret))
	mux.HandleFunc("GET /api/rooms/{id}/membership", s.authMiddleware(s.getMembership))
	mux.HandleFunc("DELETE /api/rooms/{id}/membership", s.authMiddleware(s.leaveRoom))
	mux.HandleFunc("POST /api/rooms/{id}/heartbeat", s.authMiddleware(s.heartbeat))
	mux.HandleFunc("GET /api/rooms/{id}/messages", s.authMiddleware(s.getMessages))
	mux.HandleFunc("POST /api/rooms/{id}/messages", limitBody(s.authMiddleware(s.createMessage)))
	mux.HandleFunc("POST /api/rpc/create_room", limitBody(s.authMiddleware(s.createRoom)))
	mux.HandleFunc("POST /api/rpc/join_room", limitBody(s.authMiddleware(s.joinRoom)))
	mux.HandleFunc("POST /api/rpc/join_room_by_name", limitBody(s.authMiddleware(s.joinRoomByName)))
	mux.HandleFunc("POST /api/storage/"+types.AttachmentBucket, s.authMiddleware(s.uploadAttachment))
	mux.HandleFunc("GET /storage/"+types.AttachmentBucket+"/{identity}/{file}", s.getAttachment)
	mux.HandleFunc("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)
	if logger != nil {
		h = reqlog.Logger("router", logger)(h)
	}

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *GoChatApp) Start() error {
	s.log.Infof("starting server on %s", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *GoChatApp) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *GoChatApp) Handler() http.Handler {
	return s.srv.Handler
}
