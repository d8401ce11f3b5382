// Package mesh implements the region-partitioned mesh IP allocator and
// the per-node workload /24 subnet allocator (component B).
package mesh

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

// Region is the closed set of mesh partitions.
type Region string

const (
	Gateway Region = "Gateway"
	UsWest  Region = "UsWest"
	UsEast  Region = "UsEast"
	EuWest  Region = "EuWest"
	Asia    Region = "Asia"
	Molt    Region = "Molt"
)

// regionOffsets gives each region's third-octet offset and prefix
// length relative to the mesh base /16, per the fixed scheme.
var regionOffsets = []struct {
	region Region
	offset int
	bits   int // additional bits beyond the base /16
}{
	{Gateway, 0, 8},  // /24 at third octet 0
	{UsWest, 16, 4},  // /20 at third octet 16
	{UsEast, 32, 4},  // /20 at third octet 32
	{EuWest, 48, 4},  // /20 at third octet 48
	{Asia, 64, 4},    // /20 at third octet 64
	{Molt, 128, 1},   // /17 at third octet 128 (top half)
}

// regionPool tracks allocation state for one region's CIDR.
type regionPool struct {
	mu            sync.Mutex
	region        Region
	network       *net.IPNet
	nextCandidate net.IP
	allocated     map[string]bool
}

// Allocator owns the mesh region pools and the workload subnet table.
// Each region pool and the subnet table are guarded independently, per
// the "no allocator holds another's lock" discipline.
type Allocator struct {
	logger zerolog.Logger

	regions map[Region]*regionPool

	subnetBase *net.IPNet
	subnets    subnetTable
}

// subnetTable is the per-node workload subnet allocation state.
type subnetTable struct {
	mu      sync.Mutex
	byNode  map[ids.ID]int // node -> index 1..254
	byIndex map[int]ids.ID // index -> node
}

// NewAllocator constructs an Allocator from the mesh base CIDR (default
// 10.100.0.0/16) and the workload base CIDR (default 10.200.0.0/16).
// Invalid CIDR construction is an initialisation error.
func NewAllocator(meshBaseCIDR, workloadBaseCIDR string) (*Allocator, error) {
	_, meshBase, err := net.ParseCIDR(meshBaseCIDR)
	if err != nil {
		return nil, fmt.Errorf("invalid mesh base cidr %q: %w", meshBaseCIDR, err)
	}
	_, workloadBase, err := net.ParseCIDR(workloadBaseCIDR)
	if err != nil {
		return nil, fmt.Errorf("invalid workload base cidr %q: %w", workloadBaseCIDR, err)
	}

	a := &Allocator{
		logger:     clawlog.WithComponent("mesh"),
		regions:    make(map[Region]*regionPool, len(regionOffsets)),
		subnetBase: workloadBase,
		subnets: subnetTable{
			byNode:  make(map[ids.ID]int),
			byIndex: make(map[int]ids.ID),
		},
	}

	for _, ro := range regionOffsets {
		network, err := regionNetwork(meshBase, ro.offset, ro.bits)
		if err != nil {
			return nil, fmt.Errorf("constructing region %s: %w", ro.region, err)
		}
		first, _ := cidr.AddressRange(network)
		pool := &regionPool{
			region:        ro.region,
			network:       network,
			nextCandidate: nextIP(first), // skip network address
			allocated:     make(map[string]bool),
		}
		a.regions[ro.region] = pool
	}

	return a, nil
}

// regionNetwork builds the region's CIDR given the mesh base /16, the
// region's third-octet offset, and its additional prefix bits.
func regionNetwork(base *net.IPNet, offset, extraBits int) (*net.IPNet, error) {
	baseOnes, _ := base.Mask.Size()
	ip := make(net.IP, len(base.IP))
	copy(ip, base.IP.To4())
	ip[2] |= byte(offset)
	newOnes := baseOnes + extraBits
	mask := net.CIDRMask(newOnes, 32)
	network := ip.Mask(mask)
	return &net.IPNet{IP: network, Mask: mask}, nil
}

func nextIP(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			break
		}
	}
	return out
}

// AllocateNodeIP returns an address inside the region's CIDR, never the
// network or broadcast address, never previously allocated unless
// released. Implements the cursor-scan-and-wrap algorithm.
func (a *Allocator) AllocateNodeIP(region Region) (net.IP, error) {
	pool, ok := a.regions[region]
	if !ok {
		return nil, ids.NewError(ids.Validation, fmt.Sprintf("unknown region %q", region), nil)
	}
	return pool.allocate()
}

func (p *regionPool) allocate() (net.IP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	first, last := cidrRange(p.network)
	networkAddr := p.network.IP
	broadcast := last

	cursor := p.nextCandidate
	if cursor == nil || !p.network.Contains(cursor) {
		cursor = nextIP(networkAddr)
	}

	start := cloneIP(cursor)
	candidate := cloneIP(cursor)
	for {
		if !ipEqual(candidate, networkAddr) && !ipEqual(candidate, broadcast) {
			if !p.allocated[candidate.String()] {
				p.allocated[candidate.String()] = true
				p.nextCandidate = nextIP(candidate)
				if !p.network.Contains(p.nextCandidate) {
					p.nextCandidate = nextIP(networkAddr)
				}
				clawmetrics.MeshAddressesAllocated.WithLabelValues(string(p.region)).Set(float64(len(p.allocated)))
				return candidate, nil
			}
		}

		candidate = nextIP(candidate)
		if !p.network.Contains(candidate) {
			candidate = nextIP(networkAddr)
		}
		if ipEqual(candidate, start) {
			clawmetrics.MeshAllocationsFailed.WithLabelValues(string(p.region)).Inc()
			return nil, ids.NewError(ids.Exhausted, fmt.Sprintf("region %s exhausted", p.region), nil)
		}
		_ = first
	}
}

// ReleaseIP returns an address to the free set of the region that owns
// its CIDR.
func (a *Allocator) ReleaseIP(ip net.IP) error {
	for region, pool := range a.regions {
		if pool.network.Contains(ip) {
			pool.mu.Lock()
			defer pool.mu.Unlock()
			if !pool.allocated[ip.String()] {
				return ids.NewError(ids.NotFound, fmt.Sprintf("ip %s not allocated in region %s", ip, region), nil)
			}
			delete(pool.allocated, ip.String())
			clawmetrics.MeshAddressesAllocated.WithLabelValues(string(region)).Set(float64(len(pool.allocated)))
			return nil
		}
	}
	return ids.NewError(ids.NotFound, fmt.Sprintf("ip %s not in any mesh region pool", ip), nil)
}

// RegionStats describes one region's allocation counts.
type RegionStats struct {
	Region    Region
	Allocated int
	Available int
}

// Stats returns per-region and workload-subnet allocation counts.
func (a *Allocator) Stats() ([]RegionStats, SubnetStats) {
	stats := make([]RegionStats, 0, len(a.regions))
	for _, ro := range regionOffsets {
		pool := a.regions[ro.region]
		pool.mu.Lock()
		total := addressCount(pool.network) - 2 // exclude network+broadcast
		allocated := len(pool.allocated)
		pool.mu.Unlock()
		stats = append(stats, RegionStats{
			Region:    ro.region,
			Allocated: allocated,
			Available: int(total) - allocated,
		})
	}
	return stats, a.subnetStats()
}

func cidrRange(n *net.IPNet) (net.IP, net.IP) {
	first, last := cidr.AddressRange(n)
	return first, last
}

func addressCount(n *net.IPNet) int64 {
	return int64(cidr.AddressCount(n))
}

func cloneIP(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	return out
}

func ipEqual(a, b net.IP) bool {
	return a.Equal(b)
}
