// Package syncer pushes locally confirmed attendance to the remote service.
// Delivery is at-least-once: a confirmation is marked synced only after the
// service lists it as accepted, and the service upserts by (schedule, person).
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kozaktomas/facetrack/internal/attendance"
	"github.com/kozaktomas/facetrack/internal/logger"
	"github.com/kozaktomas/facetrack/internal/remote"
)

// Pusher delivers a batch of confirmations for one session.
type Pusher interface {
	PushConfirmations(ctx context.Context, session attendance.Session, confirmations []attendance.Confirmation) (*remote.ConfirmResponse, error)
}

// Store is the part of the local store the engine needs.
type Store interface {
	UnsyncedConfirmations(ctx context.Context) ([]attendance.Confirmation, error)
	MarkSynced(ctx context.Context, sessionID string, identityIDs []string) (int64, error)
	GetSession(ctx context.Context, sessionID string) (*attendance.Session, error)
}

// Result summarises one sync run.
type Result struct {
	Pending  int       `json:"pending"`  // unsynced confirmations found
	Sessions int       `json:"sessions"` // batches attempted
	Synced   int64     `json:"synced"`   // confirmations marked synced
	Failed   int       `json:"failed"`   // batches that failed
	At       time.Time `json:"at"`
}

// Engine serialises sync runs; at most one push is in flight.
type Engine struct {
	store   Store
	pusher  Pusher
	timeout time.Duration

	mu sync.Mutex

	statusMu sync.RWMutex
	last     Result
	lastErr  error
}

// New creates an engine. timeout bounds each batch push; zero means no bound
// beyond the caller's context.
func New(store Store, pusher Pusher, timeout time.Duration) *Engine {
	return &Engine{store: store, pusher: pusher, timeout: timeout}
}

// Sync pushes every unsynced confirmation, one batch per session. A failed
// batch leaves its items unsynced for the next run; other sessions are still
// attempted. The returned error wraps attendance.ErrSyncTransport when any
// batch could not be delivered.
func (e *Engine) Sync(ctx context.Context) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.sync(ctx)
	res.At = time.Now()

	e.statusMu.Lock()
	e.last, e.lastErr = res, err
	e.statusMu.Unlock()
	return res, err
}

func (e *Engine) sync(ctx context.Context) (Result, error) {
	var res Result

	pending, err := e.store.UnsyncedConfirmations(ctx)
	if err != nil {
		return res, fmt.Errorf("%w: %w", attendance.ErrStoreUnavailable, err)
	}
	res.Pending = len(pending)
	if len(pending) == 0 {
		return res, nil
	}

	var errs []error
	for _, batch := range groupBySession(pending) {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res.Sessions++

		n, err := e.pushSession(ctx, batch)
		res.Synced += n
		if err != nil {
			res.Failed++
			errs = append(errs, err)
			logger.Warn("sync failed", "session", batch[0].SessionID, "count", len(batch), "err", err)
		}
	}

	logger.Info("sync completed", "pending", res.Pending, "synced", res.Synced, "failed", res.Failed)
	return res, errors.Join(errs...)
}

func (e *Engine) pushSession(ctx context.Context, batch []attendance.Confirmation) (int64, error) {
	sessionID := batch[0].SessionID
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("%w: loading session %s: %w", attendance.ErrStoreUnavailable, sessionID, err)
	}
	if session == nil {
		return 0, fmt.Errorf("session %s has no stored schedule, cannot sync", sessionID)
	}

	pushCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		pushCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	resp, err := e.pusher.PushConfirmations(pushCtx, *session, batch)
	if err != nil {
		if !errors.Is(err, attendance.ErrSyncTransport) {
			err = fmt.Errorf("%w: %w", attendance.ErrSyncTransport, err)
		}
		return 0, err
	}

	accepted := acceptedIDs(batch, resp)
	if len(accepted) < len(batch) {
		logger.Warn("remote did not confirm every item", "session", sessionID,
			"sent", len(batch), "accepted", len(accepted), "message", resp.Message)
	}
	if len(accepted) == 0 {
		return 0, nil
	}

	n, err := e.store.MarkSynced(ctx, sessionID, accepted)
	if err != nil {
		// The remote has the rows; the next run re-sends and the upsert absorbs it.
		return 0, fmt.Errorf("%w: marking synced: %w", attendance.ErrStoreUnavailable, err)
	}
	return n, nil
}

// acceptedIDs returns the batch identities the response explicitly accepted.
func acceptedIDs(batch []attendance.Confirmation, resp *remote.ConfirmResponse) []string {
	if resp == nil || len(resp.Accepted) == 0 {
		return nil
	}
	ack := make(map[string]bool, len(resp.Accepted))
	for _, id := range resp.Accepted {
		ack[id.String()] = true
	}
	var ids []string
	for _, c := range batch {
		if ack[c.IdentityID] {
			ids = append(ids, c.IdentityID)
		}
	}
	return ids
}

// groupBySession splits confirmations into per-session batches, keeping the
// order sessions first appear in.
func groupBySession(confirmations []attendance.Confirmation) [][]attendance.Confirmation {
	index := make(map[string]int)
	var batches [][]attendance.Confirmation
	for _, c := range confirmations {
		i, ok := index[c.SessionID]
		if !ok {
			i = len(batches)
			index[c.SessionID] = i
			batches = append(batches, nil)
		}
		batches[i] = append(batches[i], c)
	}
	return batches
}

// Last returns the result and error of the most recent run.
func (e *Engine) Last() (Result, error) {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.last, e.lastErr
}
