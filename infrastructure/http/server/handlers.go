package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/samber/lo"

	"keyrelay/auth"
	relayerrors "keyrelay/errors"
	"keyrelay/observability"
)

type uploadRequest struct {
	// Blobs are base64 in transit (encoding/json's []byte convention),
	// opaque to the server.
	KeyPackages [][]byte `json:"key_packages" validate:"required,min=1,dive,required"`
}

type uploadResponse struct {
	KeyPackageIDs []string `json:"key_package_ids"`
}

func (s *Server) handleUploadKeyPackages(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	var req uploadRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	ids := make([]uuid.UUID, 0, len(req.KeyPackages))
	for _, blob := range req.KeyPackages {
		id, err := s.keyPackages.Upload(userID, blob)
		if err != nil {
			s.writeError(w, err)
			return
		}
		ids = append(ids, id)
	}

	s.writeJSON(w, http.StatusCreated, uploadResponse{
		KeyPackageIDs: lo.Map(ids, func(id uuid.UUID, _ int) string {
			return id.String()
		}),
	})
}

func (s *Server) handleCountKeyPackages(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	count, err := s.keyPackages.CountByOwner(userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

type reserveResponse struct {
	ReservationID string    `json:"reservation_id"`
	KeyPackageID  string    `json:"key_package_id"`
	Blob          []byte    `json:"blob"`
	ExpiresAt     time.Time `json:"expires_at"`
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	claimant, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	owner := mux.Vars(r)["user"]

	res, blob, err := s.reservations.Reserve(owner, claimant)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reserveResponse{
		ReservationID: res.ID.String(),
		KeyPackageID:  res.KeyPackageID.String(),
		Blob:          blob,
		ExpiresAt:     res.ExpiresAt,
	})
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, relayerrors.ErrNotFound)
		return
	}
	if err := s.reservations.Consume(id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, relayerrors.ErrNotFound)
		return
	}
	if err := s.reservations.Release(id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type storeBackupRequest struct {
	// Versions are client-chosen, strictly increasing, starting at 1.
	Version uint64 `json:"version" validate:"required"`
	Blob    []byte `json:"blob" validate:"required"`
}

func (s *Server) handleStoreBackup(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	var req storeBackupRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.backups.Store(userID, req.Version, req.Blob); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type getBackupResponse struct {
	Version uint64 `json:"version"`
	Blob    []byte `json:"blob"`
}

func (s *Server) handleGetBackup(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	backup, err := s.backups.Get(userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, getBackupResponse{
		Version: backup.Version,
		Blob:    backup.Blob,
	})
}

type statsResponse struct {
	observability.Stats
	OpenConnections    int `json:"open_connections"`
	ActiveReservations int `json:"active_reservations"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, statsResponse{
		Stats:              s.monitor.Snapshot(),
		OpenConnections:    s.registry.OpenConnections(),
		ActiveReservations: s.reservations.Active(),
	})
}

// decode unmarshals and validates a JSON request body. Any shape problem is
// the caller's: it surfaces as ErrInvalidPayload, never as an internal error.
func (s *Server) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return relayerrors.ErrInvalidPayload
	}
	if err := s.validate.Struct(v); err != nil {
		return relayerrors.ErrInvalidPayload
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("Response encoding failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := relayerrors.MapToHTTPStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		// Internal failures are logged with their cause but surfaced
		// generically, never swallowed and never leaked.
		s.log.Error("Request failed", "error", err)
		message = "internal error"
	}
	s.writeJSON(w, status, map[string]string{"error": message})
}
