// Package protection composes the mesh allocator, service VIP/policy
// compiler, rate/budget primitives, and DDoS pipeline into a single
// facade with admission hooks for a connection and for a node
// registration (component K). The gateway's session multiplexer does
// not call these hooks: connections reach pkg/gateway without passing
// through the facade.
package protection

import (
	"net"
	"time"

	"github.com/clawbernetes/clawbernetes/pkg/clawlog"
	"github.com/clawbernetes/clawbernetes/pkg/ddos"
	"github.com/clawbernetes/clawbernetes/pkg/gateway"
	"github.com/clawbernetes/clawbernetes/pkg/ids"
	"github.com/clawbernetes/clawbernetes/pkg/mesh"
	"github.com/clawbernetes/clawbernetes/pkg/ratelimit"
	"github.com/clawbernetes/clawbernetes/pkg/svcmesh"
	"github.com/rs/zerolog"
)

// Facade wires the cluster's resource allocators and its DDoS
// pipeline behind two admission hooks, AdmitConnection and
// AdmitRegister; nothing in pkg/gateway or the gateway binary calls them.
type Facade struct {
	logger zerolog.Logger

	Mesh     *mesh.Allocator
	Services *svcmesh.Mesh
	DDoS     *ddos.Pipeline
}

// NewFacade constructs a protection facade over already-initialised
// subsystems.
func NewFacade(meshAllocator *mesh.Allocator, services *svcmesh.Mesh, pipeline *ddos.Pipeline) *Facade {
	return &Facade{
		logger:   clawlog.WithComponent("protection.facade"),
		Mesh:     meshAllocator,
		Services: services,
		DDoS:     pipeline,
	}
}

// AdmitConnection is the gateway's pre-upgrade admission hook: it runs
// the DDoS pipeline's ordered connection check and reports whether the
// socket should be accepted.
func (f *Facade) AdmitConnection(remoteIP string, now time.Time) ddos.Outcome {
	outcome := f.DDoS.CheckConnection(remoteIP, now)
	if outcome.Kind != ddos.Allow {
		f.logger.Warn().Str("remote_ip", remoteIP).Str("kind", outcome.Kind.String()).Msg("connection rejected by DDoS pipeline")
	}
	return outcome
}

// ReleaseConnection is called when a session closes, returning its
// connection-count slot.
func (f *Facade) ReleaseConnection(remoteIP string) {
	f.DDoS.ReleaseConnection(remoteIP)
}

// AdmitRegister is the gateway's post-discrimination admission hook
// for Node sessions: it allocates the node's region mesh IP and
// workload subnet, failing the registration if either is exhausted.
func (f *Facade) AdmitRegister(nodeID ids.ID, region mesh.Region) (net.IP, *net.IPNet, error) {
	meshIP, err := f.Mesh.AllocateNodeIP(region)
	if err != nil {
		return nil, nil, err
	}
	subnet, err := f.Mesh.AllocateWorkloadSubnet(nodeID)
	if err != nil {
		_ = f.Mesh.ReleaseIP(meshIP)
		return nil, nil, err
	}
	return meshIP, subnet, nil
}

// ReleaseNode frees a departed node's mesh IP and workload subnet.
func (f *Facade) ReleaseNode(nodeID ids.ID, meshIP net.IP) {
	_ = f.Mesh.ReleaseIP(meshIP)
	f.Mesh.ReleaseWorkloadSubnet(nodeID)
}

// CheckRequest applies the DDoS pipeline's sliding-window request
// limiter, used by the gateway's per-frame dispatch path.
func (f *Facade) CheckRequest(remoteIP string, now time.Time) ddos.Outcome {
	return f.DDoS.CheckRequest(remoteIP, now)
}

// NewRateLimitedPipeline is a convenience constructor assembling a
// DDoS pipeline from its rate/budget primitive building blocks, used
// when a caller wants the facade to own the pipeline's lifecycle.
func NewRateLimitedPipeline(cfg ddos.Config, whitelist []string, geo ddos.GeoClassifier) *ddos.Pipeline {
	return ddos.New(cfg, whitelist, geo)
}

// NewBlocklist exposes the rate/budget package's blocklist primitive
// directly, for callers assembling a pipeline manually.
func NewBlocklist() *ratelimit.Blocklist {
	return ratelimit.NewBlocklist()
}

// Dispatcher returns a gateway.Dispatcher that enforces the sliding
// window request limiter ahead of delegating to next, closing over
// the remote IP resolved once at session admission time.
func (f *Facade) Dispatcher(remoteIP string, next gateway.Dispatcher) gateway.Dispatcher {
	return func(s *gateway.Session, frame []byte) ([]byte, error) {
		outcome := f.CheckRequest(remoteIP, time.Now())
		if outcome.Kind != ddos.Allow {
			return nil, ids.NewError(ids.RateLimited, outcome.Reason, nil)
		}
		return next(s, frame)
	}
}
