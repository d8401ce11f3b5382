package gateway

import (
	"net/http"

	"github.com/clawbernetes/clawbernetes/pkg/clawlog"
	"github.com/clawbernetes/clawbernetes/pkg/ids"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Dispatcher routes an inbound frame to the node registry and workload
// manager and returns zero or one response frame. Implementations hold
// only short locks, snapshotting state before emitting the response.
type Dispatcher func(s *Session, frame []byte) ([]byte, error)

// Server accepts WebSocket upgrades, enforces the connection limit,
// and spawns the reader/writer pair for each session.
type Server struct {
	logger zerolog.Logger

	Registry       *Registry
	MaxConnections int
	Dispatch       Dispatcher

	upgrader websocket.Upgrader
	shutdown chan struct{}
}

// NewServer constructs a gateway server bound to registry, admitting
// at most maxConnections concurrent sessions.
func NewServer(registry *Registry, maxConnections int, dispatch Dispatcher) *Server {
	return &Server{
		logger:         clawlog.WithComponent("gateway.server"),
		Registry:       registry,
		MaxConnections: maxConnections,
		Dispatch:       dispatch,
		upgrader:       websocket.Upgrader{},
		shutdown:       make(chan struct{}),
	}
}

// ServeHTTP upgrades eligible requests to a session, rejecting the
// upgrade outright when the session count is already at the limit.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-srv.shutdown:
		http.Error(w, "gateway shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	if srv.Registry.Count() >= srv.MaxConnections {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	srv.handleConn(conn)
}

func (srv *Server) handleConn(conn frameConn) {
	session, firstFrame, err := DiscriminateFirstFrame(conn)
	if err != nil {
		srv.logger.Warn().Err(err).Msg("first-frame discrimination failed")
		_ = conn.Close()
		return
	}

	srv.Registry.Add(session)
	go session.RunWriter()

	if session.Dialect == DialectNode && firstFrame != nil {
		go func() {
			resp, err := srv.Dispatch(session, firstFrame)
			if err != nil {
				srv.logger.Warn().Err(err).Msg("failed to dispatch initial Register frame")
			} else if resp != nil {
				session.TrySend(resp)
			}
			session.RunReader(srv.Dispatch)
			srv.Registry.Remove(session)
		}()
		return
	}

	go func() {
		session.RunReader(srv.Dispatch)
		srv.Registry.Remove(session)
	}()
}

// Shutdown signals the accept loop to stop admitting new sessions.
// Existing sessions drain naturally; Shutdown does not forcibly close
// them.
func (srv *Server) Shutdown() {
	select {
	case <-srv.shutdown:
	default:
		close(srv.shutdown)
	}
}

// RegisterNode processes a Node dialect Register frame: adds the node
// to the registry under its declared node id.
func RegisterNode(registry *Registry, session *Session, nodeID ids.ID) error {
	return registry.Register(session, nodeID)
}
