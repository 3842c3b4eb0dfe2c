package services

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"keyrelay/domain"
	relayerrors "keyrelay/errors"
	"keyrelay/repositories"
)

type IReservationService interface {
	Reserve(owner, claimant string) (domain.Reservation, []byte, error)
	Consume(reservationID uuid.UUID) error
	Release(reservationID uuid.UUID) error
	Sweep() int
	Active() int
}

// ReservationService hands out exclusive, time-bounded claims on key
// packages. This is the one place where a subtle bug becomes a security bug:
// handing the same package to two concurrent claimants breaks the forward
// secrecy the rest of the system depends on.
//
// All admission goes through a single mutex scoped to the store, so reserve,
// consume, and release against the same package are linearizable. Expiry is
// a stored deadline checked on every access; Sweep only bounds memory and is
// never required for correctness. Reservation state is in-memory on purpose:
// losing it on restart only returns unclaimed packages to the pool, which is
// the safe direction.
type ReservationService struct {
	mu           sync.Mutex
	log          *slog.Logger
	keyPackages  repositories.IKeyPackageRepository
	timeout      time.Duration
	reservations map[uuid.UUID]domain.Reservation
	reservedKP   map[uuid.UUID]uuid.UUID // key package id -> reservation id
	now          func() time.Time
}

func NewReservationService(log *slog.Logger, keyPackages repositories.IKeyPackageRepository,
	timeout time.Duration) *ReservationService {
	return &ReservationService{
		log:          log,
		keyPackages:  keyPackages,
		timeout:      timeout,
		reservations: make(map[uuid.UUID]domain.Reservation),
		reservedKP:   make(map[uuid.UUID]uuid.UUID),
		now:          time.Now,
	}
}

// Reserve claims the oldest available key package owned by owner.
// Returns ErrNotFound when every package is reserved or the pool is empty.
func (s *ReservationService) Reserve(owner, claimant string) (domain.Reservation, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.purgeExpiredLocked(now)

	exclude := make(map[uuid.UUID]struct{}, len(s.reservedKP))
	for kpID := range s.reservedKP {
		exclude[kpID] = struct{}{}
	}

	kp, err := s.keyPackages.AvailableOldest(owner, exclude)
	if err != nil {
		return domain.Reservation{}, nil, err
	}

	res := domain.Reservation{
		ID:           uuid.New(),
		KeyPackageID: kp.ID,
		Claimant:     claimant,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.timeout),
	}
	s.reservations[res.ID] = res
	s.reservedKP[kp.ID] = res.ID

	s.log.Debug("Key package reserved",
		"owner", owner,
		"claimant", claimant,
		"key_package_id", kp.ID,
		"reservation_id", res.ID,
		"expires_at", res.ExpiresAt)
	return res, kp.Blob, nil
}

// Consume resolves a reservation by destroying the underlying key package.
// Exactly one resolution (consume, release, or expiry) succeeds per
// reservation: a consume racing an observed expiry fails with
// ErrReservationExpired instead of silently succeeding against stale state.
func (s *ReservationService) Consume(reservationID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[reservationID]
	if !ok {
		return relayerrors.ErrNotFound
	}
	if res.Expired(s.now()) {
		s.dropLocked(res)
		return relayerrors.ErrReservationExpired
	}

	if err := s.keyPackages.Delete(res.KeyPackageID); err != nil {
		// Keep the reservation on an internal failure so the claimant can
		// retry; the package stays reserved, never half-consumed.
		s.log.Error("Key package deletion failed", "key_package_id", res.KeyPackageID, "error", err)
		return err
	}
	s.dropLocked(res)
	return nil
}

// Release is an explicit early abort: the key package returns to the pool.
func (s *ReservationService) Release(reservationID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[reservationID]
	if !ok {
		return relayerrors.ErrNotFound
	}
	s.dropLocked(res)
	s.log.Debug("Reservation released", "reservation_id", reservationID)
	return nil
}

// Sweep reclaims expired reservations and returns how many were dropped.
// Run periodically to bound table growth when claimants vanish without
// resolving; correctness never depends on it running promptly.
func (s *ReservationService) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purgeExpiredLocked(s.now())
}

// Active reports the number of live reservations, for monitoring.
func (s *ReservationService) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reservations)
}

// purgeExpiredLocked drops every reservation past its deadline. Removal from
// the maps is what returns a package to the pool, so it can only happen once
// per reservation.
func (s *ReservationService) purgeExpiredLocked(now time.Time) int {
	reclaimed := 0
	for _, res := range s.reservations {
		if res.Expired(now) {
			s.dropLocked(res)
			reclaimed++
		}
	}
	return reclaimed
}

func (s *ReservationService) dropLocked(res domain.Reservation) {
	delete(s.reservations, res.ID)
	delete(s.reservedKP, res.KeyPackageID)
}
