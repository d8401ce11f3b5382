// Package secretstore implements the encrypted secret store: a
// ChaCha20-Poly1305-sealed byte buffer per secret, an access policy
// gating which workloads/nodes may read it, and an append-only audit
// log. Sealed secrets are persisted via bbolt; the audit log is kept in
// memory only.
package secretstore

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/clawbernetes/clawbernetes/pkg/clawlog"
	"github.com/clawbernetes/clawbernetes/pkg/ids"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	secretsBucket = "secrets"
	auditBucket   = "secret_audit"
)

var identifierPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9\-_.]{0,252}$`)

// ValidIdentifier implements spec §3's secret identifier format:
// 1..253 ASCII chars, lowercase alphanumeric plus -_., starting
// alphanumeric and not ending in - or ..
func ValidIdentifier(id string) bool {
	if len(id) == 0 || len(id) > 253 {
		return false
	}
	if !identifierPattern.MatchString(id) {
		return false
	}
	last := id[len(id)-1]
	return last != '-' && last != '.'
}

// AccessPolicy gates which workloads and nodes may read a secret.
type AccessPolicy struct {
	AllowedWorkloads []ids.ID
	AllowedNodes     []ids.ID
	ExpiresAt        time.Time
}

func (p AccessPolicy) expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

func (p AccessPolicy) permits(workloadID, nodeID ids.ID, now time.Time) bool {
	if p.expired(now) {
		return false
	}
	if len(p.AllowedWorkloads) == 0 && len(p.AllowedNodes) == 0 {
		return true
	}
	for _, w := range p.AllowedWorkloads {
		if w.Equal(workloadID) {
			return true
		}
	}
	for _, n := range p.AllowedNodes {
		if n.Equal(nodeID) {
			return true
		}
	}
	return false
}

// SecretValue holds a decrypted secret's bytes and zeroes them on
// release; equality is constant-time.
type SecretValue struct {
	mu        sync.Mutex
	plaintext []byte
}

// Equal compares two secret values in constant time.
func (v *SecretValue) Equal(other *SecretValue) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	other.mu.Lock()
	defer other.mu.Unlock()
	if len(v.plaintext) != len(other.plaintext) {
		return false
	}
	return subtle.ConstantTimeCompare(v.plaintext, other.plaintext) == 1
}

// Bytes returns the plaintext, or nil if released.
func (v *SecretValue) Bytes() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.plaintext
}

// Release zeroes and discards the plaintext.
func (v *SecretValue) Release() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.plaintext {
		v.plaintext[i] = 0
	}
	v.plaintext = nil
}

// AuditEntry is one append-only record of a secret access attempt.
type AuditEntry struct {
	Timestamp  time.Time
	SecretID   string
	WorkloadID ids.ID
	NodeID     ids.ID
	Action     string // "read", "write", "delete"
	Allowed    bool
}

type persistedSecret struct {
	Ciphertext []byte
	Policy     AccessPolicy
}

// Store is the encrypted secret store.
type Store struct {
	logger zerolog.Logger
	db     *bolt.DB
	aead   interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}

	mu    sync.Mutex
	audit []AuditEntry
}

// Open opens or creates a bbolt-backed secret store at path, sealing
// secret values with key (32 bytes, ChaCha20-Poly1305).
func Open(path string, key []byte) (*Store, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("secretstore: key must be %d bytes", chacha20poly1305.KeySize)
	}
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open secretstore: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("construct AEAD: %w", err)
	}
	return &Store{logger: clawlog.WithComponent("secretstore"), db: db, aead: aead}, nil
}

// Close releases the underlying store.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Store) open(ciphertext []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ids.NewError(ids.Validation, "ciphertext shorter than nonce", nil)
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return s.aead.Open(nil, nonce, sealed, nil)
}

// Put validates secretID, encrypts value under policy, and persists
// it, overwriting any existing secret of the same id.
func (s *Store) Put(secretID string, value []byte, policy AccessPolicy) error {
	if !ValidIdentifier(secretID) {
		return ids.NewError(ids.Validation, "invalid secret identifier", nil)
	}
	ciphertext, err := s.seal(value)
	if err != nil {
		return err
	}
	p := persistedSecret{Ciphertext: ciphertext, Policy: policy}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal secret: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(secretsBucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(secretID), data)
	})
}

// Get decrypts secretID's value if workloadID/nodeID satisfy its
// access policy, appending an audit entry for the attempt regardless
// of outcome.
func (s *Store) Get(secretID string, workloadID, nodeID ids.ID, now time.Time) (*SecretValue, error) {
	var stored *persistedSecret
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(secretsBucket))
		if b == nil {
			return ids.NewError(ids.NotFound, "secret not found", nil)
		}
		raw := b.Get([]byte(secretID))
		if raw == nil {
			return ids.NewError(ids.NotFound, "secret not found", nil)
		}
		var p persistedSecret
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("unmarshal secret: %w", err)
		}
		stored = &p
		return nil
	})
	if err != nil {
		s.recordAudit(secretID, workloadID, nodeID, "read", false, now)
		return nil, err
	}

	if !stored.Policy.permits(workloadID, nodeID, now) {
		s.recordAudit(secretID, workloadID, nodeID, "read", false, now)
		return nil, ids.NewError(ids.AuthFailure, "access policy denies this workload/node", nil)
	}

	plaintext, err := s.open(stored.Ciphertext)
	if err != nil {
		s.recordAudit(secretID, workloadID, nodeID, "read", false, now)
		return nil, fmt.Errorf("decrypt secret: %w", err)
	}
	s.recordAudit(secretID, workloadID, nodeID, "read", true, now)
	return &SecretValue{plaintext: plaintext}, nil
}

// Delete removes a secret.
func (s *Store) Delete(secretID string, workloadID, nodeID ids.ID, now time.Time) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(secretsBucket))
		if b == nil {
			return ids.NewError(ids.NotFound, "secret not found", nil)
		}
		if b.Get([]byte(secretID)) == nil {
			return ids.NewError(ids.NotFound, "secret not found", nil)
		}
		return b.Delete([]byte(secretID))
	})
	s.recordAudit(secretID, workloadID, nodeID, "delete", err == nil, now)
	return err
}

func (s *Store) recordAudit(secretID string, workloadID, nodeID ids.ID, action string, allowed bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, AuditEntry{
		Timestamp: now, SecretID: secretID, WorkloadID: workloadID, NodeID: nodeID,
		Action: action, Allowed: allowed,
	})
}

// AuditLog returns the in-memory audit trail recorded so far.
func (s *Store) AuditLog() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEntry(nil), s.audit...)
}
