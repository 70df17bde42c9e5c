package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/scheduler"
	"github.com/cuemby/foreman/pkg/types"
)

// DefaultSessionTTL bounds sessions created without an explicit timeout.
const DefaultSessionTTL = 30 * time.Minute

// CreateSession picks a container-capable worker, creates a session on it,
// and records the binding.
func (d *Driver) CreateSession(opts *types.SessionOptions) (*types.Session, error) {
	d.mu.Lock()
	workers := make([]*types.WorkerInfo, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
	}
	d.mu.Unlock()

	worker := scheduler.SelectSessionWorker(workers)
	if worker == nil {
		return nil, types.NewError(types.ErrNoWorkersAvailable, "no container-capable worker available")
	}

	d.mu.Lock()
	client := d.clients[worker.ID]
	d.mu.Unlock()
	if client == nil {
		return nil, types.NewError(types.ErrWorkerLost, fmt.Sprintf("worker %s has no client", worker.ID))
	}

	sessionID := "session-" + uuid.New().String()[:8]
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PollInterval*4)
	err := client.createSession(ctx, sessionID, opts)
	cancel()
	if err != nil {
		return nil, err
	}

	ttl := DefaultSessionTTL
	if opts != nil && opts.Timeout > 0 {
		ttl = opts.Timeout
	}
	now := time.Now()
	session := &types.Session{
		ID:           sessionID,
		WorkerID:     worker.ID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastActivity: now,
		Options:      opts,
	}

	d.mu.Lock()
	d.sessions[sessionID] = session
	d.totalSessions++
	d.mu.Unlock()

	if d.store != nil {
		if err := d.store.SaveSession(session); err != nil {
			d.logger.Warn().Err(err).Str("session_id", sessionID).Msg("checkpoint session failed")
		}
	}

	d.logger.Info().Str("session_id", sessionID).Str("worker_id", worker.ID).Msg("session created")
	d.broker.Publish(&events.Event{Type: events.EventSessionCreated, SessionID: sessionID, WorkerID: worker.ID})
	return session, nil
}

// GetSession returns the session record.
func (d *Driver) GetSession(sessionID string) (*types.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	session, ok := d.sessions[sessionID]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("session %s not found", sessionID))
	}
	return session, nil
}

// ActiveSessions lists sessions that have not expired.
func (d *Driver) ActiveSessions() []*types.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	out := make([]*types.Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		if !s.Expired(now) {
			out = append(out, s)
		}
	}
	return out
}

// EndSession terminates a session on its worker and drops the record.
// Idempotent.
func (d *Driver) EndSession(sessionID string) error {
	d.mu.Lock()
	session, ok := d.sessions[sessionID]
	if ok {
		delete(d.sessions, sessionID)
	}
	var client *workerClient
	if ok {
		client = d.clients[session.WorkerID]
	}
	d.mu.Unlock()
	if !ok {
		return nil
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PollInterval*2)
		if err := client.endSession(ctx, sessionID); err != nil {
			d.logger.Warn().Err(err).Str("session_id", sessionID).Msg("worker-side session teardown failed")
		}
		cancel()
	}
	if d.store != nil {
		_ = d.store.DeleteSession(sessionID)
	}

	d.logger.Info().Str("session_id", sessionID).Msg("session ended")
	d.broker.Publish(&events.Event{Type: events.EventSessionEnded, SessionID: sessionID})
	return nil
}

// sweepSessions terminates sessions whose lifetime has passed.
func (d *Driver) sweepSessions() {
	now := time.Now()

	d.mu.Lock()
	var expired []*types.Session
	for _, s := range d.sessions {
		if s.Expired(now) {
			expired = append(expired, s)
		}
	}
	for _, s := range expired {
		delete(d.sessions, s.ID)
	}
	d.expiredSessions += len(expired)
	clients := make(map[string]*workerClient, len(expired))
	for _, s := range expired {
		clients[s.ID] = d.clients[s.WorkerID]
	}
	d.mu.Unlock()

	for _, s := range expired {
		logger := log.WithSessionID(s.ID)
		if client := clients[s.ID]; client != nil {
			ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PollInterval*2)
			if err := client.endSession(ctx, s.ID); err != nil {
				logger.Warn().Err(err).Msg("expired session teardown failed")
			}
			cancel()
		}
		if d.store != nil {
			_ = d.store.DeleteSession(s.ID)
		}
		logger.Info().Msg("session expired")
		d.broker.Publish(&events.Event{Type: events.EventSessionExpired, SessionID: s.ID, WorkerID: s.WorkerID})
	}
}
