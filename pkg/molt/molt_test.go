package molt

import (
	"testing"
	"time"

	"github.com/clawbernetes/clawbernetes/pkg/ids"
	"github.com/clawbernetes/clawbernetes/pkg/mesh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCloseTunnelAllocatesMoltRegion(t *testing.T) {
	allocator, err := mesh.NewAllocator("10.100.0.0/16", "10.200.0.0/16")
	require.NoError(t, err)
	tm := NewTunnelManager(allocator)

	jobID := ids.New()
	ip, err := tm.OpenTunnel(jobID)
	require.NoError(t, err)
	assert.NotNil(t, ip)

	require.NoError(t, tm.CloseTunnel(jobID))
	assert.Error(t, tm.CloseTunnel(jobID))
}

func buildChain(n int) []Checkpoint {
	var chain []Checkpoint
	prev := Checkpoint{}
	now := time.Now()
	for i := 0; i < n; i++ {
		data := []byte{byte(i)}
		cp := ChainCheckpoint(prev, uint64(i), data, now)
		chain = append(chain, cp)
		prev = cp
	}
	return chain
}

func TestVerifyChainAcceptsCorrectLinkage(t *testing.T) {
	chain := buildChain(3)
	for i := 1; i < len(chain); i++ {
		assert.True(t, VerifyChain(chain[i-1], []byte{byte(i)}, chain[i]))
	}
}

func TestVerifyChainRejectsWrongData(t *testing.T) {
	chain := buildChain(2)
	assert.False(t, VerifyChain(Checkpoint{}, []byte{99}, chain[0]))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := ids.GenerateKeyPair()
	require.NoError(t, err)

	jobID := ids.New()
	chain := buildChain(2)
	metrics := ExecutionMetrics{GPUUtilisation: 0.87, MemoryUsedMiB: 1024, ComputeOps: 500000}

	attestation := Sign(kp, jobID, chain, 1500, metrics, time.Now())
	require.NoError(t, Verify(kp.Public, attestation))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	kp, err := ids.GenerateKeyPair()
	require.NoError(t, err)
	other, err := ids.GenerateKeyPair()
	require.NoError(t, err)

	jobID := ids.New()
	chain := buildChain(1)
	attestation := Sign(kp, jobID, chain, 100, ExecutionMetrics{}, time.Now())

	assert.Error(t, Verify(other.Public, attestation))
}

func TestVerifyRejectsEmptyChain(t *testing.T) {
	kp, err := ids.GenerateKeyPair()
	require.NoError(t, err)
	attestation := Sign(kp, ids.New(), nil, 0, ExecutionMetrics{}, time.Now())
	err = Verify(kp.Public, attestation)
	require.Error(t, err)
	assert.True(t, ids.Is(err, ids.AttestationInvalid))
}

func TestVerifyRejectsOutOfOrderSequence(t *testing.T) {
	kp, err := ids.GenerateKeyPair()
	require.NoError(t, err)
	chain := buildChain(2)
	chain[1].Sequence = 5
	attestation := Sign(kp, ids.New(), chain, 0, ExecutionMetrics{}, time.Now())
	err = Verify(kp.Public, attestation)
	require.Error(t, err)
	assert.True(t, ids.Is(err, ids.AttestationInvalid))
}
