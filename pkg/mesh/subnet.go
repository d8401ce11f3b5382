package mesh

import (
	"fmt"
	"net"

	"github.com/apparentlymart/go-cidr/cidr"
	"github.com/clawbernetes/clawbernetes/pkg/clawmetrics"
	"github.com/clawbernetes/clawbernetes/pkg/ids"
)

// minSubnetIndex and maxSubnetIndex bound the usable per-node index
// range; 0 and 255 are reserved.
const (
	minSubnetIndex = 1
	maxSubnetIndex = 254
)

// AllocateWorkloadSubnet returns the /24 assigned to nodeID, allocating
// the smallest free index in 1..254 if none exists yet. Idempotent:
// repeated calls for the same node return the same subnet.
func (a *Allocator) AllocateWorkloadSubnet(nodeID ids.ID) (*net.IPNet, error) {
	a.subnets.mu.Lock()
	defer a.subnets.mu.Unlock()

	if idx, ok := a.subnets.byNode[nodeID]; ok {
		return a.subnetForIndex(idx)
	}

	for idx := minSubnetIndex; idx <= maxSubnetIndex; idx++ {
		if _, taken := a.subnets.byIndex[idx]; !taken {
			a.subnets.byNode[nodeID] = idx
			a.subnets.byIndex[idx] = nodeID
			clawmetrics.WorkloadSubnetsAllocated.Set(float64(len(a.subnets.byNode)))
			return a.subnetForIndex(idx)
		}
	}

	return nil, ids.NewError(ids.Exhausted, "workload subnet pool exhausted", nil)
}

// ReleaseWorkloadSubnet frees nodeID's /24, restoring its index to the
// free set.
func (a *Allocator) ReleaseWorkloadSubnet(nodeID ids.ID) error {
	a.subnets.mu.Lock()
	defer a.subnets.mu.Unlock()

	idx, ok := a.subnets.byNode[nodeID]
	if !ok {
		return ids.NewError(ids.NotFound, fmt.Sprintf("no workload subnet for node %s", nodeID), nil)
	}
	delete(a.subnets.byNode, nodeID)
	delete(a.subnets.byIndex, idx)
	clawmetrics.WorkloadSubnetsAllocated.Set(float64(len(a.subnets.byNode)))
	return nil
}

func (a *Allocator) subnetForIndex(idx int) (*net.IPNet, error) {
	subnet, err := cidr.Subnet(a.subnetBase, 8, idx)
	if err != nil {
		return nil, ids.NewError(ids.InternalConcurrency, "workload subnet construction failed", err)
	}
	return subnet, nil
}

// SubnetStats describes workload subnet allocation counts.
type SubnetStats struct {
	Allocated int
	Available int
}

func (a *Allocator) subnetStats() SubnetStats {
	a.subnets.mu.Lock()
	defer a.subnets.mu.Unlock()
	return SubnetStats{
		Allocated: len(a.subnets.byNode),
		Available: (maxSubnetIndex - minSubnetIndex + 1) - len(a.subnets.byNode),
	}
}
