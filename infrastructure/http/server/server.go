package server

import (
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"keyrelay/auth"
	"keyrelay/observability"
	"keyrelay/repositories"
	"keyrelay/runtime"
	"keyrelay/services"
)

// Server is the HTTP surface of the relay: key package brokering, backups,
// monitoring, and the websocket endpoint for persistent connections.
type Server struct {
	log            *slog.Logger
	registry       *runtime.Registry
	router         *runtime.Router
	reservations   services.IReservationService
	keyPackages    repositories.IKeyPackageRepository
	backups        repositories.IBackupRepository
	monitor        *observability.Monitor
	validate       *validator.Validate
	upgrader       websocket.Upgrader
	connBufferSize int
	jwtKey         []byte
}

func NewServer(
	log *slog.Logger,
	registry *runtime.Registry,
	router *runtime.Router,
	reservations services.IReservationService,
	keyPackages repositories.IKeyPackageRepository,
	backups repositories.IBackupRepository,
	monitor *observability.Monitor,
	connBufferSize int,
	jwtKey []byte,
) *Server {
	return &Server{
		log:          log,
		registry:     registry,
		router:       router,
		reservations: reservations,
		keyPackages:  keyPackages,
		backups:      backups,
		monitor:      monitor,
		validate:     validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clients are native apps, not browsers; origin checks add nothing.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		connBufferSize: connBufferSize,
		jwtKey:         jwtKey,
	}
}

func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(auth.Middleware(s.jwtKey))

	r.HandleFunc("/keypackages", s.handleUploadKeyPackages).Methods(http.MethodPost)
	r.HandleFunc("/keypackages/count", s.handleCountKeyPackages).Methods(http.MethodGet)
	r.HandleFunc("/users/{user}/reservations", s.handleReserve).Methods(http.MethodPost)
	r.HandleFunc("/reservations/{id}/consume", s.handleConsume).Methods(http.MethodPost)
	r.HandleFunc("/reservations/{id}", s.handleRelease).Methods(http.MethodDelete)
	r.HandleFunc("/backups", s.handleStoreBackup).Methods(http.MethodPut)
	r.HandleFunc("/backups", s.handleGetBackup).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleConnect).Methods(http.MethodGet)
	return r
}
