// Package molt implements the marketplace tunnel and execution
// attestation surface: per-job overlay IP allocation delegated to the
// mesh allocator's Molt region, and signed, chained execution
// checkpoint verification (component L).
package molt

import (
	"encoding/binary"
	"math"
	"net"
	"time"

	"github.com/clawbernetes/clawbernetes/pkg/clawlog"
	"github.com/clawbernetes/clawbernetes/pkg/ids"
	"github.com/clawbernetes/clawbernetes/pkg/mesh"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
)

// attestationDomainTag domain-separates the signing message from any
// other signed payload in the system.
const attestationDomainTag = "clawbernetes-attestation-v1"

// TunnelManager allocates per-job overlay IPs from the mesh
// allocator's Molt region and releases them on job completion.
type TunnelManager struct {
	logger zerolog.Logger
	mesh   *mesh.Allocator

	jobTunnels map[ids.ID]net.IP
}

// NewTunnelManager constructs a tunnel manager over meshAllocator.
func NewTunnelManager(meshAllocator *mesh.Allocator) *TunnelManager {
	return &TunnelManager{
		logger:     clawlog.WithComponent("molt.tunnel"),
		mesh:       meshAllocator,
		jobTunnels: make(map[ids.ID]net.IP),
	}
}

// OpenTunnel allocates a Molt-region overlay IP for jobID.
func (t *TunnelManager) OpenTunnel(jobID ids.ID) (net.IP, error) {
	ip, err := t.mesh.AllocateNodeIP(mesh.Molt)
	if err != nil {
		return nil, err
	}
	t.jobTunnels[jobID] = ip
	return ip, nil
}

// CloseTunnel releases jobID's overlay IP.
func (t *TunnelManager) CloseTunnel(jobID ids.ID) error {
	ip, ok := t.jobTunnels[jobID]
	if !ok {
		return ids.NewError(ids.NotFound, "no tunnel open for job", nil)
	}
	delete(t.jobTunnels, jobID)
	return t.mesh.ReleaseIP(ip)
}

// Checkpoint is one link in a job's execution checkpoint chain.
type Checkpoint struct {
	Sequence      uint64
	Hash          [32]byte
	UnixTimestamp int64
}

// ChainCheckpoint computes checkpoint i+1's hash from the previous
// checkpoint's hash and this step's data, per the chain property
// hash_i = BLAKE3(hash_{i-1} || data_i).
func ChainCheckpoint(prev Checkpoint, sequence uint64, data []byte, now time.Time) Checkpoint {
	h := blake3.New()
	h.Write(prev.Hash[:])
	h.Write(data)
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return Checkpoint{Sequence: sequence, Hash: sum, UnixTimestamp: now.Unix()}
}

// VerifyChain reports whether next is a legal successor of prev given
// the data that produced it: its hash matches the chain property and
// its sequence is exactly prev.Sequence+1.
func VerifyChain(prev Checkpoint, data []byte, next Checkpoint) bool {
	h := blake3.New()
	h.Write(prev.Hash[:])
	h.Write(data)
	var want [32]byte
	copy(want[:], h.Sum(nil))
	return want == next.Hash && next.Sequence == prev.Sequence+1
}

// ExecutionMetrics is the attestation's summary of a job's run.
type ExecutionMetrics struct {
	GPUUtilisation float64
	MemoryUsedMiB  uint64
	ComputeOps     uint64
}

// Attestation is a signed, chained record of a job's execution.
type Attestation struct {
	JobID          ids.ID
	Checkpoints    []Checkpoint
	DurationMs     uint64
	Metrics        ExecutionMetrics
	AttestedAtUnix int64
	Signature      []byte
}

// canonicalMessage builds the exact byte sequence signed by a node and
// verified by the marketplace, per spec §6.
func canonicalMessage(jobID ids.ID, checkpoints []Checkpoint, durationMs uint64, metrics ExecutionMetrics, attestedAtUnix int64) []byte {
	buf := make([]byte, 0, len(attestationDomainTag)+16+len(checkpoints)*48+8+24+8)
	buf = append(buf, attestationDomainTag...)
	buf = append(buf, jobID[:]...)

	var le8 [8]byte
	for _, cp := range checkpoints {
		binary.LittleEndian.PutUint64(le8[:], cp.Sequence)
		buf = append(buf, le8[:]...)
		buf = append(buf, cp.Hash[:]...)
		binary.LittleEndian.PutUint64(le8[:], uint64(cp.UnixTimestamp))
		buf = append(buf, le8[:]...)
	}

	binary.LittleEndian.PutUint64(le8[:], durationMs)
	buf = append(buf, le8[:]...)

	binary.LittleEndian.PutUint64(le8[:], math.Float64bits(metrics.GPUUtilisation))
	buf = append(buf, le8[:]...)
	binary.LittleEndian.PutUint64(le8[:], metrics.MemoryUsedMiB)
	buf = append(buf, le8[:]...)
	binary.LittleEndian.PutUint64(le8[:], metrics.ComputeOps)
	buf = append(buf, le8[:]...)

	binary.LittleEndian.PutUint64(le8[:], uint64(attestedAtUnix))
	buf = append(buf, le8[:]...)

	return buf
}

// Sign produces a signed Attestation for the given job execution data,
// using signer to sign the canonical message.
func Sign(signer *ids.KeyPair, jobID ids.ID, checkpoints []Checkpoint, durationMs uint64, metrics ExecutionMetrics, now time.Time) Attestation {
	attestedAt := now.Unix()
	msg := canonicalMessage(jobID, checkpoints, durationMs, metrics, attestedAt)
	return Attestation{
		JobID:          jobID,
		Checkpoints:    checkpoints,
		DurationMs:     durationMs,
		Metrics:        metrics,
		AttestedAtUnix: attestedAt,
		Signature:      signer.Sign(msg),
	}
}

// Verify checks an attestation's signature against public and its
// checkpoint chain for internal consistency: non-empty, in-order
// sequence, and correct hash linkage is the caller's responsibility
// when prior chain data is available via VerifyChain.
func Verify(public []byte, a Attestation) error {
	if len(a.Checkpoints) == 0 {
		return ids.NewError(ids.AttestationInvalid, "attestation has an empty checkpoint chain", nil)
	}
	for i, cp := range a.Checkpoints {
		if cp.Sequence != uint64(i) {
			return ids.NewError(ids.AttestationInvalid, "checkpoint sequence out of order", nil)
		}
	}

	msg := canonicalMessage(a.JobID, a.Checkpoints, a.DurationMs, a.Metrics, a.AttestedAtUnix)
	if !ids.Verify(public, msg, a.Signature) {
		return ids.NewError(ids.AttestationInvalid, "attestation signature verification failed", nil)
	}
	return nil
}
