package mesh

import (
	"testing"

	"github.com/clawbernetes/clawbernetes/pkg/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	a, err := NewAllocator("10.100.0.0/16", "10.200.0.0/16")
	require.NoError(t, err)
	return a
}

func TestAllocateNodeIPWithinRegion(t *testing.T) {
	a := newTestAllocator(t)

	tests := []struct {
		name   string
		region Region
	}{
		{"gateway", Gateway},
		{"us-west", UsWest},
		{"molt", Molt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ip, err := a.AllocateNodeIP(tt.region)
			require.NoError(t, err)
			assert.True(t, a.regions[tt.region].network.Contains(ip))
			assert.NotEqual(t, a.regions[tt.region].network.IP.String(), ip.String())
		})
	}
}

func TestAllocateReleaseAllocateWraps(t *testing.T) {
	a := newTestAllocator(t)

	first, err := a.AllocateNodeIP(Gateway)
	require.NoError(t, err)

	require.NoError(t, a.ReleaseIP(first))

	// Exhaust the rest of the pool, forcing wrap-around back to the
	// freed address.
	var allocated []string
	for {
		ip, err := a.AllocateNodeIP(Gateway)
		if err != nil {
			break
		}
		allocated = append(allocated, ip.String())
	}
	assert.Contains(t, allocated, first.String())
}

func TestReleaseUnallocatedIsNotFound(t *testing.T) {
	a := newTestAllocator(t)
	err := a.ReleaseIP(a.regions[Gateway].network.IP)
	require.Error(t, err)
	assert.True(t, ids.Is(err, ids.NotFound))
}

func TestWorkloadSubnetIdempotentAndDisjoint(t *testing.T) {
	a := newTestAllocator(t)
	node1 := ids.New()
	node2 := ids.New()

	subnet1a, err := a.AllocateWorkloadSubnet(node1)
	require.NoError(t, err)
	subnet1b, err := a.AllocateWorkloadSubnet(node1)
	require.NoError(t, err)
	assert.Equal(t, subnet1a.String(), subnet1b.String())

	subnet2, err := a.AllocateWorkloadSubnet(node2)
	require.NoError(t, err)
	assert.NotEqual(t, subnet1a.String(), subnet2.String())
}

func TestWorkloadSubnetReleaseFreesIndex(t *testing.T) {
	a := newTestAllocator(t)
	node := ids.New()

	_, err := a.AllocateWorkloadSubnet(node)
	require.NoError(t, err)
	require.NoError(t, a.ReleaseWorkloadSubnet(node))

	stats := a.subnetStats()
	assert.Equal(t, 0, stats.Allocated)
}

func TestStatsReflectsAllocations(t *testing.T) {
	a := newTestAllocator(t)
	_, err := a.AllocateNodeIP(UsEast)
	require.NoError(t, err)

	regionStats, _ := a.Stats()
	for _, rs := range regionStats {
		if rs.Region == UsEast {
			assert.Equal(t, 1, rs.Allocated)
		}
	}
}
