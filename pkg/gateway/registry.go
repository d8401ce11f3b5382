package gateway

import (
	"sync"
	"time"

	"github.com/clawbernetes/clawbernetes/pkg/clawlog"
	"github.com/clawbernetes/clawbernetes/pkg/clawmetrics"
	"github.com/clawbernetes/clawbernetes/pkg/ids"
	"github.com/rs/zerolog"
)

// sessionRecord is one entry of the session table: the session handle
// plus, for registered Node sessions, the last heartbeat timestamp
// used to detect staleness, adapted from the teacher's Heartbeat RPC
// bookkeeping.
type sessionRecord struct {
	session       *Session
	registered    bool
	lastHeartbeat time.Time
}

// Registry is the session table: multi-reader/single-writer, per the
// concurrency model. Read-only iteration builds broadcast snapshots;
// writers add/remove sessions.
type Registry struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[ids.ID]*sessionRecord
	byNodeID map[ids.ID]ids.ID // node id -> session id, registered sessions only
}

// NewRegistry constructs an empty session table.
func NewRegistry() *Registry {
	return &Registry{
		logger:   clawlog.WithComponent("gateway.registry"),
		sessions: make(map[ids.ID]*sessionRecord),
		byNodeID: make(map[ids.ID]ids.ID),
	}
}

// Add inserts a newly accepted session, unregistered.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = &sessionRecord{session: s}
	clawmetrics.GatewaySessionsActive.WithLabelValues(s.Dialect.String()).Inc()
}

// Remove deletes a session from the table, releasing its node-id
// registration if any.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[s.ID]
	if !ok {
		return
	}
	delete(r.sessions, s.ID)
	if rec.registered {
		delete(r.byNodeID, s.NodeID)
	}
	clawmetrics.GatewaySessionsActive.WithLabelValues(s.Dialect.String()).Dec()
}

// Register associates a Node session with its node identity, making it
// eligible for broadcast and targeted send.
func (r *Registry) Register(s *Session, nodeID ids.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[s.ID]
	if !ok {
		return ids.NewError(ids.NotUsable, "session not present in registry", nil)
	}
	s.NodeID = nodeID
	rec.registered = true
	rec.lastHeartbeat = time.Now()
	r.byNodeID[nodeID] = s.ID
	return nil
}

// Heartbeat updates a registered session's last-heartbeat timestamp.
func (r *Registry) Heartbeat(nodeID ids.ID, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sid, ok := r.byNodeID[nodeID]
	if !ok {
		return ids.NewError(ids.NotFound, "node not registered", nil)
	}
	r.sessions[sid].lastHeartbeat = now
	return nil
}

// StaleNodes returns the node ids of registered sessions whose last
// heartbeat is older than window.
func (r *Registry) StaleNodes(now time.Time, window time.Duration) []ids.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stale []ids.ID
	for nodeID, sid := range r.byNodeID {
		if now.Sub(r.sessions[sid].lastHeartbeat) > window {
			stale = append(stale, nodeID)
		}
	}
	return stale
}

// Broadcast snapshots the sender of every registered session, drops
// the table lock, then try-sends payload to each. Returns the count
// delivered; if zero and there were sessions to try, returns an error.
func (r *Registry) Broadcast(payload []byte) (int, error) {
	r.mu.RLock()
	senders := make([]*Session, 0, len(r.byNodeID))
	for _, sid := range r.byNodeID {
		senders = append(senders, r.sessions[sid].session)
	}
	r.mu.RUnlock()

	sent := 0
	for _, s := range senders {
		if s.TrySend(payload) {
			sent++
		}
	}
	if sent == 0 && len(senders) > 0 {
		return 0, ids.NewError(ids.InternalConcurrency, "broadcast delivered to no session", nil)
	}
	return sent, nil
}

// Send looks up the registered session for nodeID and try-sends
// payload. Returns an ids.NotFound error if no session is registered
// for that node.
func (r *Registry) Send(nodeID ids.ID, payload []byte) error {
	r.mu.RLock()
	sid, ok := r.byNodeID[nodeID]
	var s *Session
	if ok {
		s = r.sessions[sid].session
	}
	r.mu.RUnlock()

	if !ok {
		return ids.NewError(ids.NotFound, "node not registered", nil)
	}
	s.TrySend(payload)
	return nil
}

// Count returns the number of sessions currently in the table,
// registered or not, used by the connection-limit admission check.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// HeartbeatWindow is the staleness threshold used by StaleNodes sweeps.
const HeartbeatWindow = heartbeatWindow
