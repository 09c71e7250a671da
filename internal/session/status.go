package session

import (
	"github.com/kozaktomas/facetrack/internal/attendance"
	"github.com/kozaktomas/facetrack/internal/syncer"
	"github.com/kozaktomas/facetrack/internal/tracker"
)

// Status is a point-in-time view of the controller.
type Status struct {
	State         State               `json:"state"`
	Session       *attendance.Session `json:"session,omitempty"`
	Stats         *tracker.Stats      `json:"stats,omitempty"`
	Frames        uint64              `json:"frames"`
	Identities    int                 `json:"identities"`
	RegistryEmpty bool                `json:"registry_empty"`
	PendingWrites int                 `json:"pending_writes"`
	LastError     string              `json:"last_error,omitempty"`
	LastSync      *syncer.Result      `json:"last_sync,omitempty"`
	LastSyncError string              `json:"last_sync_error,omitempty"`
}

// Status reports the lifecycle state, the active session and its statistics,
// and the most recent camera and sync errors.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{State: c.state}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	r := c.current
	c.mu.Unlock()

	if r != nil {
		sess := r.session
		stats := r.tracker.Stats()
		st.Session = &sess
		st.Stats = &stats
		st.Frames = r.sampler.Count()
	}

	if c.opts.Roster != nil {
		st.Identities = c.opts.Roster.Len()
		st.RegistryEmpty = st.Identities == 0
	}
	st.PendingWrites = c.PendingWrites()

	if c.opts.Syncer != nil {
		last, err := c.opts.Syncer.Last()
		if !last.At.IsZero() {
			st.LastSync = &last
		}
		if err != nil {
			st.LastSyncError = err.Error()
		}
	}
	return st
}

// Active returns the running session, or attendance.ErrNoActiveSession.
func (c *Controller) Active() (*attendance.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.state != StateActive {
		return nil, attendance.ErrNoActiveSession
	}
	sess := c.current.session
	return &sess, nil
}
