// Package svcmesh implements the service VIP allocator, DNAT program,
// and network policy compiler (component C).
package svcmesh

import (
	"fmt"
	"net"
	"sync"

	"github.com/apparentlymart/go-cidr/cidr"
	"github.com/clawbernetes/clawbernetes/pkg/clawlog"
	"github.com/clawbernetes/clawbernetes/pkg/clawmetrics"
	"github.com/clawbernetes/clawbernetes/pkg/ids"
	"github.com/rs/zerolog"
)

// maxVIPIndex bounds the sequential VIP counter: the allocator exhausts
// once the counter would exceed 65534.
const maxVIPIndex = 65534

// Protocol is the transport protocol a service listens on.
type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

// Endpoint is a single backend behind a service VIP.
type Endpoint struct {
	IP          net.IP
	Port        int
	ContainerID ids.ID
	Healthy     bool
	Labels      map[string]string
}

// Service is the service plane's view of one registered service.
type Service struct {
	Name      string
	Selector  map[string]string
	Port      int
	Protocol  Protocol
	ClusterIP net.IP
	Endpoints []Endpoint
}

// Mesh owns the VIP allocator, the service table, and the DNAT
// programmer. It is the collaborator the protection facade composes.
type Mesh struct {
	logger zerolog.Logger

	serviceBase *net.IPNet

	mu       sync.RWMutex
	services map[string]*Service
	nextVIP  int // sequential index into serviceBase, starting at 1

	programmer DNATProgrammer
}

// NewMesh constructs a Mesh allocating VIPs sequentially within
// serviceBaseCIDR starting at .0.1.
func NewMesh(serviceBaseCIDR string, programmer DNATProgrammer) (*Mesh, error) {
	_, base, err := net.ParseCIDR(serviceBaseCIDR)
	if err != nil {
		return nil, fmt.Errorf("invalid service base cidr %q: %w", serviceBaseCIDR, err)
	}
	return &Mesh{
		logger:      clawlog.WithComponent("svcmesh"),
		serviceBase: base,
		services:    make(map[string]*Service),
		nextVIP:     1,
		programmer:  programmer,
	}, nil
}

// Register allocates a VIP for name and adds it to the service table.
// Returns AlreadyExists if name is already registered.
func (m *Mesh) Register(name string, port int, protocol Protocol, selector map[string]string) (net.IP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.services[name]; exists {
		return nil, ids.NewError(ids.AlreadyExists, fmt.Sprintf("service %q already registered", name), nil)
	}

	if m.nextVIP > maxVIPIndex {
		return nil, ids.NewError(ids.Exhausted, "service vip pool exhausted", nil)
	}

	vip, err := cidr.Host(m.serviceBase, m.nextVIP)
	if err != nil {
		return nil, ids.NewError(ids.InternalConcurrency, "vip construction failed", err)
	}
	m.nextVIP++

	m.services[name] = &Service{
		Name:      name,
		Selector:  selector,
		Port:      port,
		Protocol:  protocol,
		ClusterIP: vip,
	}
	clawmetrics.ServiceVIPsAllocated.Set(float64(len(m.services)))
	return vip, nil
}

// UpdateEndpoints replaces name's endpoint list and reprograms its DNAT
// rules to match.
func (m *Mesh) UpdateEndpoints(name string, endpoints []Endpoint) error {
	m.mu.Lock()
	svc, ok := m.services[name]
	if !ok {
		m.mu.Unlock()
		return ids.NewError(ids.NotFound, fmt.Sprintf("service %q not found", name), nil)
	}
	svc.Endpoints = endpoints
	vip := svc.ClusterIP
	protocol := svc.Protocol
	port := svc.Port
	m.mu.Unlock()

	if m.programmer == nil {
		return nil
	}
	return m.programmer.Program(name, vip, protocol, port, endpoints)
}

// Remove deletes name's DNAT program and releases its VIP. The VIP
// itself is not reused at a lower index; only the name slot is freed.
func (m *Mesh) Remove(name string) (net.IP, error) {
	m.mu.Lock()
	svc, ok := m.services[name]
	if !ok {
		m.mu.Unlock()
		return nil, ids.NewError(ids.NotFound, fmt.Sprintf("service %q not found", name), nil)
	}
	delete(m.services, name)
	clawmetrics.ServiceVIPsAllocated.Set(float64(len(m.services)))
	m.mu.Unlock()

	if m.programmer != nil {
		if err := m.programmer.Unprogram(name); err != nil {
			m.logger.Warn().Err(err).Str("service", name).Msg("failed to remove DNAT program")
		}
	}
	return svc.ClusterIP, nil
}

// Resolve returns the VIP and current endpoints for name, if registered.
func (m *Mesh) Resolve(name string) (net.IP, []Endpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[name]
	if !ok {
		return nil, nil, false
	}
	return svc.ClusterIP, svc.Endpoints, true
}

// Workload is one entry of the workload snapshot refresh_all consumes.
type Workload struct {
	ContainerID ids.ID
	IP          net.IP
	Port        int
	Labels      map[string]string
	Healthy     bool
}

// RefreshAll recomputes every service's endpoint list against a fresh
// workload snapshot: a service's endpoints become the sub-sequence of
// workloads whose labels are a superset of its selector. An empty
// selector matches nothing.
func (m *Mesh) RefreshAll(snapshot []Workload) error {
	m.mu.Lock()
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	type update struct {
		name      string
		vip       net.IP
		protocol  Protocol
		port      int
		endpoints []Endpoint
	}
	var updates []update
	for _, name := range names {
		svc := m.services[name]
		var endpoints []Endpoint
		if len(svc.Selector) > 0 {
			for _, w := range snapshot {
				if matchesSelector(svc.Selector, w.Labels) {
					endpoints = append(endpoints, Endpoint{
						IP:          w.IP,
						Port:        w.Port,
						ContainerID: w.ContainerID,
						Healthy:     w.Healthy,
						Labels:      w.Labels,
					})
				}
			}
		}
		svc.Endpoints = endpoints
		updates = append(updates, update{name, svc.ClusterIP, svc.Protocol, svc.Port, endpoints})
	}
	m.mu.Unlock()

	if m.programmer == nil {
		return nil
	}
	var firstErr error
	for _, u := range updates {
		if err := m.programmer.Program(u.name, u.vip, u.protocol, u.port, u.endpoints); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func matchesSelector(selector, labels map[string]string) bool {
	if len(selector) == 0 {
		return false
	}
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}
