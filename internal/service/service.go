// Package service implements queue business logic, validation and
// orchestration between HTTP handlers, the catalog and the repository layer.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/omegafrog/ticketon-queue/internal/catalog"
	"github.com/omegafrog/ticketon-queue/internal/credential"
	"github.com/omegafrog/ticketon-queue/internal/model"
	"github.com/omegafrog/ticketon-queue/internal/repository"
)

// ErrInvalidInput wraps request validation failures.
var ErrInvalidInput = errors.New("invalid input")

// ErrInvalidEntry is returned when a presented entry token is not the
// user's live credential for the event.
var ErrInvalidEntry = errors.New("entry token rejected")

// Poll delay tiers.
const (
	delayFront    = 1 * time.Second
	delayNear     = 3 * time.Second
	delayFar      = 5 * time.Second
	delayBusy     = 7 * time.Second
	delayNoSlots  = 8 * time.Second
	delayCrowded  = 10 * time.Second
	delayGateShut = 30 * time.Second

	busyWaiting    = 1000
	crowdedWaiting = 5000
)

// Disconnector tears down a user's local push connection.
type Disconnector interface {
	Disconnect(ctx context.Context, userID string)
}

// QueueService orchestrates queue operations.
type QueueService struct {
	repo    *repository.QueueRepository
	catalog catalog.Catalog
	issuer  *credential.Issuer

	instanceID string
	conns      Disconnector
	now        func() time.Time
}

// NewQueueService constructs a QueueService. conns may be nil when the
// instance runs without push connections.
func NewQueueService(
	repo *repository.QueueRepository,
	cat catalog.Catalog,
	issuer *credential.Issuer,
	instanceID string,
	conns Disconnector,
) *QueueService {
	return &QueueService{
		repo:       repo,
		catalog:    cat,
		issuer:     issuer,
		instanceID: instanceID,
		conns:      conns,
		now:        time.Now,
	}
}

func validateIDs(eventID, userID string) error {
	if strings.TrimSpace(eventID) == "" {
		return fmt.Errorf("%w: event id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return nil
}

// Join puts the user in the event's waiting line. The first join of an
// event seeds its capacity from the catalog.
func (s *QueueService) Join(ctx context.Context, eventID, userID string) (*model.JoinResult, error) {
	if err := validateIDs(eventID, userID); err != nil {
		return nil, err
	}

	pos, rejoined, err := s.repo.Join(ctx, eventID, userID, s.instanceID, s.now())
	if errors.Is(err, repository.ErrNotSeeded) {
		if err := s.seed(ctx, eventID); err != nil {
			return nil, err
		}
		pos, rejoined, err = s.repo.Join(ctx, eventID, userID, s.instanceID, s.now())
	}
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyEntered) ||
			errors.Is(err, repository.ErrOtherEvent) ||
			errors.Is(err, repository.ErrGateClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("join queue: %w", err)
	}

	slog.Info("user joined queue", "event_id", eventID, "user_id", userID, "position", pos, "rejoined", rejoined)
	return &model.JoinResult{EventID: eventID, Position: pos, Rejoined: rejoined}, nil
}

func (s *QueueService) seed(ctx context.Context, eventID string) error {
	ev, err := s.catalog.Lookup(ctx, eventID)
	if err != nil {
		return fmt.Errorf("look up event %s: %w", eventID, err)
	}
	if ev.SeatCount < 0 {
		return fmt.Errorf("look up event %s: %w: negative seat count", eventID, catalog.ErrUnavailable)
	}
	ev.Status = strings.ToUpper(strings.TrimSpace(ev.Status))
	if err := s.repo.Seed(ctx, eventID, ev); err != nil {
		return err
	}
	slog.Info("event capacity seeded", "event_id", eventID, "seats", ev.SeatCount, "gate", ev.Status)
	return nil
}

// Status refreshes the user's liveness and reports where they stand.
func (s *QueueService) Status(ctx context.Context, eventID, userID string) (*model.QueueStatus, error) {
	if err := validateIDs(eventID, userID); err != nil {
		return nil, err
	}
	if err := s.repo.Touch(ctx, eventID, userID, s.now()); err != nil {
		return nil, err
	}
	snap, err := s.repo.Snapshot(ctx, eventID, userID)
	if err != nil {
		return nil, err
	}

	switch {
	case snap.Credential != nil && snap.Credential.Issued():
		return &model.QueueStatus{
			State:       model.StateEntry,
			EntryToken:  snap.Credential.Token,
			PollAfterMs: delayFront.Milliseconds(),
		}, nil

	case snap.Rank != nil:
		var gc *model.GateContext
		if *snap.Rank > 100 {
			c, err := s.repo.GateContext(ctx, eventID)
			if err != nil {
				return nil, err
			}
			gc = &c
		}
		return &model.QueueStatus{
			State:       model.StateWaiting,
			Rank:        snap.Rank,
			PollAfterMs: PollDelay(snap.Rank, gc).Milliseconds(),
		}, nil

	case snap.Credential != nil:
		// Promoted; the credential is on its way.
		front := int64(0)
		return &model.QueueStatus{
			State:       model.StateWaiting,
			Rank:        &front,
			PollAfterMs: PollDelay(&front, nil).Milliseconds(),
		}, nil

	default:
		return &model.QueueStatus{
			State:       model.StateNone,
			PollAfterMs: PollDelay(nil, nil).Milliseconds(),
		}, nil
	}
}

// PollDelay picks how long a client should wait before polling again. Past
// rank 100 the gate context raises the floor; the longest floor wins.
func PollDelay(rank *int64, gc *model.GateContext) time.Duration {
	if rank == nil {
		return delayFar
	}
	var d time.Duration
	switch r := *rank; {
	case r <= 10:
		d = delayFront
	case r <= 100:
		d = delayNear
	default:
		d = delayFar
	}
	if *rank <= 100 || gc == nil {
		return d
	}

	if gc.GateStatus != model.GateOpen {
		return max(d, delayGateShut)
	}
	if gc.FreeSlots != nil && *gc.FreeSlots <= 0 {
		d = max(d, delayNoSlots)
	}
	switch {
	case gc.WaitingSize >= crowdedWaiting:
		d = max(d, delayCrowded)
	case gc.WaitingSize >= busyWaiting:
		d = max(d, delayBusy)
	}
	return d
}

// Leave releases everything the user holds for the event and closes their
// local connection.
func (s *QueueService) Leave(ctx context.Context, eventID, userID string) (*model.LeaveResult, error) {
	if err := validateIDs(eventID, userID); err != nil {
		return nil, err
	}
	res, err := s.repo.Leave(ctx, eventID, userID, s.now())
	if err != nil {
		return nil, fmt.Errorf("leave queue: %w", err)
	}
	if s.conns != nil {
		s.conns.Disconnect(ctx, userID)
	}
	slog.Info("user left queue", "event_id", eventID, "user_id", userID,
		"released", res.Released, "refunded", res.Refunded)
	return &res, nil
}

// VerifyEntry checks a token presented at checkout: signature, expiry,
// subject and that it is the credential currently stored for the user.
// A successful check counts as activity.
func (s *QueueService) VerifyEntry(ctx context.Context, req model.VerifyEntryRequest) error {
	if err := validateIDs(req.EventID, req.UserID); err != nil {
		return err
	}
	if req.Token == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidInput)
	}

	now := s.now()
	if _, err := s.issuer.Verify(req.Token, req.UserID, req.EventID, now); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	cred, err := s.repo.Credential(ctx, req.UserID)
	if err != nil {
		return err
	}
	if cred == nil || cred.EventID != req.EventID || cred.Token != req.Token {
		return fmt.Errorf("%w: not the stored credential", ErrInvalidEntry)
	}
	if cred.Expired(now) {
		return fmt.Errorf("%w: credential expired", ErrInvalidEntry)
	}
	if err := s.repo.Touch(ctx, req.EventID, req.UserID, now); err != nil {
		slog.Warn("refresh liveness after verify failed", "event_id", req.EventID, "user_id", req.UserID, "error", err)
	}
	return nil
}

// SetGate records a gate change pushed by the catalog.
func (s *QueueService) SetGate(ctx context.Context, eventID string, req model.UpdateGateRequest) error {
	status := strings.ToUpper(strings.TrimSpace(req.Status))
	if strings.TrimSpace(eventID) == "" {
		return fmt.Errorf("%w: event id is required", ErrInvalidInput)
	}
	if status == "" {
		return fmt.Errorf("%w: status is required", ErrInvalidInput)
	}
	if err := s.repo.SetGate(ctx, eventID, status); err != nil {
		return err
	}
	slog.Info("event gate updated", "event_id", eventID, "gate", status)
	return nil
}
