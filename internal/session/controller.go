// Package session runs recognition sessions: it owns the capture device and
// the per-session tracker, and drives the capture and processing loops.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/facetrack/internal/attendance"
	"github.com/kozaktomas/facetrack/internal/capture"
	"github.com/kozaktomas/facetrack/internal/constants"
	"github.com/kozaktomas/facetrack/internal/database"
	"github.com/kozaktomas/facetrack/internal/logger"
	"github.com/kozaktomas/facetrack/internal/matcher"
	"github.com/kozaktomas/facetrack/internal/syncer"
	"github.com/kozaktomas/facetrack/internal/tracker"
)

// State is the controller lifecycle state.
type State string

// Controller states. A session moves Idle -> Active -> Stopping -> Idle.
const (
	StateIdle     State = "idle"
	StateActive   State = "active"
	StateStopping State = "stopping"
)

// FrameMatcher matches one frame against the registry.
type FrameMatcher interface {
	Match(ctx context.Context, frame []byte) ([]matcher.Result, error)
}

// Syncer pushes unsynced confirmations.
type Syncer interface {
	Sync(ctx context.Context) (syncer.Result, error)
	Last() (syncer.Result, error)
}

// Roster reports how many identities are enrolled.
type Roster interface {
	Len() int
}

// Options wires the controller. Zero durations and counts fall back to the
// recognition defaults.
type Options struct {
	Store     database.Store
	Matcher   FrameMatcher
	Syncer    Syncer
	Roster    Roster
	NewSource func() (capture.Source, error)

	Tracker      tracker.Config
	FrameSkip    int
	Scale        float64 // frames are downscaled by this factor before matching; >= 1 disables
	ScanInterval time.Duration
	RetryDelay   time.Duration // pause after a failed frame read
	MaxFailures  int           // consecutive read failures before the camera is declared unavailable
	MatchDelay   time.Duration // pause after each matched frame
	WriteRetry   time.Duration // pause before retrying a failed store write
	WriteTimeout time.Duration // bound on a single store write
}

func (o Options) withDefaults() Options {
	if o.FrameSkip <= 0 {
		o.FrameSkip = constants.FrameSkip
	}
	if o.ScanInterval <= 0 {
		o.ScanInterval = constants.ScanInterval
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = constants.ReadRetryDelay
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = constants.MaxReadFailures
	}
	if o.WriteRetry <= 0 {
		o.WriteRetry = 200 * time.Millisecond
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// StartRequest starts a session. SessionID is generated when empty.
type StartRequest struct {
	SessionID  string          `json:"session_id,omitempty"`
	ScheduleID string          `json:"schedule_id"`
	ClassInfo  json.RawMessage `json:"class_info,omitempty"`
}

// run is the state of one active session. It is created by Start and dropped
// when both loops have exited.
type run struct {
	session attendance.Session
	tracker *tracker.Tracker
	source  capture.Source
	sampler *matcher.Sampler

	cancel  context.CancelFunc
	syncNow chan struct{}
	done    chan struct{}
}

// Controller owns the session lifecycle.
type Controller struct {
	opts Options

	mu      sync.Mutex
	state   State
	current *run
	lastErr error

	pendingMu sync.Mutex
	pending   []attendance.Confirmation // confirmations the store refused, retried every cycle
}

// New creates an idle controller.
func New(opts Options) *Controller {
	return &Controller{opts: opts.withDefaults(), state: StateIdle}
}

// Start opens the camera, records the session and launches both loops.
func (c *Controller) Start(ctx context.Context, req StartRequest) (*attendance.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return nil, attendance.ErrSessionAlreadyActive
	}

	sess := attendance.Session{
		ID:         req.SessionID,
		ScheduleID: req.ScheduleID,
		StartedAt:  time.Now(),
		ClassInfo:  req.ClassInfo,
	}
	if sess.ID == "" {
		sess.ID = "session_" + uuid.NewString()
	}

	source, err := c.opts.NewSource()
	if err == nil {
		err = source.Open(ctx)
	}
	if err != nil {
		c.lastErr = fmt.Errorf("%w: %w", attendance.ErrCameraUnavailable, err)
		return nil, c.lastErr
	}

	if err := c.retryOnce(ctx, func(ctx context.Context) error {
		return c.opts.Store.SaveSession(ctx, sess)
	}); err != nil {
		source.Close()
		return nil, fmt.Errorf("%w: saving session: %w", attendance.ErrStoreUnavailable, err)
	}

	tr := tracker.New(sess.ID, c.opts.Tracker)
	// Resuming a session id never confirms an identity twice.
	existing, err := c.opts.Store.ConfirmationsBySession(ctx, sess.ID)
	if err != nil {
		logger.Warn("failed to load existing confirmations", "session", sess.ID, "err", err)
	}
	for _, conf := range existing {
		tr.Restore(conf.IdentityID)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		session: sess,
		tracker: tr,
		source:  source,
		sampler: matcher.NewSampler(c.opts.FrameSkip),
		cancel:  cancel,
		syncNow: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	c.current = r
	c.state = StateActive
	c.lastErr = nil

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.captureLoop(runCtx, r)
	}()
	go func() {
		defer wg.Done()
		c.processLoop(runCtx, r)
	}()
	go c.finish(r, &wg)

	logger.Info("session started", "session", sess.ID, "schedule", sess.ScheduleID,
		"restored", len(existing))
	return &sess, nil
}

// finish releases the camera once both loops are gone and returns to Idle.
func (c *Controller) finish(r *run, wg *sync.WaitGroup) {
	wg.Wait()

	if err := r.source.Close(); err != nil {
		logger.Warn("failed to close camera", "err", err)
	}
	c.flushPending(context.Background())

	stats := r.tracker.Stats()
	c.mu.Lock()
	if c.current == r {
		c.current = nil
		c.state = StateIdle
	}
	c.mu.Unlock()
	close(r.done)

	logger.Info("session stopped", "session", r.session.ID,
		"detections", stats.TotalDetections, "confirmed", stats.Confirmed)
}

// Stop signals both loops and waits for them to exit. Stopping an idle
// controller is a no-op. Persisted data is kept.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	r := c.current
	if r == nil {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopping
	c.mu.Unlock()

	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for session to stop: %w", ctx.Err())
	}
}

// halt stops the session from inside a loop after a fatal error.
func (c *Controller) halt(r *run, err error) {
	c.mu.Lock()
	if c.current == r {
		c.state = StateStopping
		c.lastErr = err
	}
	c.mu.Unlock()
	logger.Error("stopping session", "session", r.session.ID, "err", err)
	r.cancel()
}

// Wait blocks until the active session, if any, has fully stopped.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	r := c.current
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) captureLoop(ctx context.Context, r *run) {
	failures := 0
	for ctx.Err() == nil {
		frame, err := r.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if failures >= c.opts.MaxFailures || errors.Is(err, capture.ErrClosed) {
				c.halt(r, fmt.Errorf("%w: %d consecutive read failures: %w",
					attendance.ErrCameraUnavailable, failures, err))
				return
			}
			logger.Warn("failed to read frame", "failures", failures, "err", err)
			if !sleep(ctx, c.opts.RetryDelay) {
				return
			}
			continue
		}
		failures = 0

		if !r.sampler.Next() {
			continue
		}
		if c.processFrame(ctx, r, frame) && !sleep(ctx, c.opts.MatchDelay) {
			return
		}
	}
}

// processFrame matches a sampled frame and feeds the tracker. It reports
// whether anything matched.
func (c *Controller) processFrame(ctx context.Context, r *run, frame []byte) bool {
	if c.opts.Scale > 0 && c.opts.Scale < 1 {
		small, err := capture.Downscale(frame, c.opts.Scale)
		if err != nil {
			logger.Debug("skipping undecodable frame", "err", err)
			return false
		}
		frame = small
	}

	results, err := c.opts.Matcher.Match(ctx, frame)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("failed to match frame", "err", err)
		}
		return false
	}
	if len(results) == 0 {
		return false
	}

	var confirmed []attendance.Confirmation
	for _, s := range matcher.Sightings(results, r.session.ID, time.Now()) {
		if err := c.retryOnce(ctx, func(ctx context.Context) error {
			return c.opts.Store.InsertSighting(ctx, s)
		}); err != nil {
			logger.Error("failed to record sighting", "identity", s.IdentityID, "err", err)
		}
		logger.Debug("sighting", "identity", s.IdentityID, "confidence", s.Confidence)

		if conf, ok := r.tracker.Observe(s); ok {
			confirmed = append(confirmed, *conf)
		}
	}

	if len(confirmed) > 0 {
		c.persist(ctx, confirmed)
		c.requestSync(r)
	}
	return true
}

func (c *Controller) processLoop(ctx context.Context, r *run) {
	ticker := time.NewTicker(c.opts.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if confirmed := r.tracker.Sweep(now); len(confirmed) > 0 {
				c.persist(ctx, confirmed)
			}
			c.sync(ctx)
		case <-r.syncNow:
			c.sync(ctx)
		}
	}
}

func (c *Controller) requestSync(r *run) {
	select {
	case r.syncNow <- struct{}{}:
	default:
	}
}

func (c *Controller) sync(ctx context.Context) {
	c.flushPending(ctx)
	if c.opts.Syncer == nil {
		return
	}
	if _, err := c.opts.Syncer.Sync(ctx); err != nil && ctx.Err() == nil {
		logger.Warn("sync incomplete, retrying next cycle", "err", err)
	}
}

// persist writes new confirmations. A confirmation that still fails after one
// retry is queued in memory and retried on every cycle.
func (c *Controller) persist(ctx context.Context, confirmations []attendance.Confirmation) {
	for _, conf := range confirmations {
		logger.Info("attendance confirmed", "identity", conf.IdentityID, "name", conf.DisplayName,
			"session", conf.SessionID, "detections", conf.DetectionCount, "confidence", conf.AvgConfidence)
		if err := c.insertConfirmation(ctx, conf); err != nil {
			logger.Error("failed to persist confirmation, holding in memory",
				"identity", conf.IdentityID, "session", conf.SessionID, "err", err)
			c.pendingMu.Lock()
			c.pending = append(c.pending, conf)
			c.pendingMu.Unlock()
		}
	}
}

func (c *Controller) insertConfirmation(ctx context.Context, conf attendance.Confirmation) error {
	err := c.retryOnce(ctx, func(ctx context.Context) error {
		return c.opts.Store.InsertConfirmation(ctx, conf)
	})
	if errors.Is(err, attendance.ErrDuplicateConfirmation) {
		return nil
	}
	return err
}

// flushPending retries queued confirmations.
func (c *Controller) flushPending(ctx context.Context) {
	c.pendingMu.Lock()
	queued := c.pending
	c.pending = nil
	c.pendingMu.Unlock()
	if len(queued) == 0 {
		return
	}

	var failed []attendance.Confirmation
	for _, conf := range queued {
		if err := c.insertConfirmation(ctx, conf); err != nil {
			failed = append(failed, conf)
		}
	}

	c.pendingMu.Lock()
	c.pending = append(failed, c.pending...)
	c.pendingMu.Unlock()

	if len(failed) > 0 {
		logger.Warn("confirmations still not persisted", "count", len(failed))
	} else {
		logger.Info("persisted held confirmations", "count", len(queued))
	}
}

// retryOnce runs a store write and retries it once after a short pause. Writes
// are detached from cancellation so that stopping never abandons one halfway.
func (c *Controller) retryOnce(ctx context.Context, write func(ctx context.Context) error) error {
	attempt := func() error {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.WriteTimeout)
		defer cancel()
		return write(wctx)
	}

	err := attempt()
	if err == nil || errors.Is(err, attendance.ErrDuplicateConfirmation) {
		return err
	}
	logger.Warn("store write failed, retrying", "err", err)
	time.Sleep(c.opts.WriteRetry)
	return attempt()
}

// Resume persists anything held in memory and pushes every unsynced
// confirmation, including those left behind by a crash.
func (c *Controller) Resume(ctx context.Context) (syncer.Result, error) {
	c.flushPending(ctx)
	if c.opts.Syncer == nil {
		return syncer.Result{}, nil
	}
	return c.opts.Syncer.Sync(ctx)
}

// PendingWrites returns the number of confirmations held in memory.
func (c *Controller) PendingWrites() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
