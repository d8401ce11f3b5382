// Package pki implements the cluster certificate authority: a
// self-signed root, leaf issuance against a certificate request, and
// bbolt-backed persistence of the root key material. Out-of-core per
// the control plane's own scope, it is carried as the collaborator
// interface the gateway and agent consume for mutual TLS.
package pki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"net/mail"
	"net/url"
	"sync"
	"time"

	"github.com/clawbernetes/clawbernetes/pkg/clawlog"
	"github.com/clawbernetes/clawbernetes/pkg/ids"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

const (
	rootBucket  = "pki_root"
	rootKeyName = "root"

	rootValidity = 10 * 365 * 24 * time.Hour
	rootKeySize  = 4096
	leafKeySize  = 2048
)

// SANKind is a subject alternative name's kind.
type SANKind int

const (
	SANDns SANKind = iota
	SANIP
	SANEmail
	SANUri
)

// SAN is one subject alternative name entry.
type SAN struct {
	Kind  SANKind
	Value string
}

// KeyUsage is one of the certificate request's permitted usages.
type KeyUsage int

const (
	ServerAuth KeyUsage = iota
	ClientAuth
	CodeSigning
)

// CertificateRequest is the input to Issue.
type CertificateRequest struct {
	Subject      string
	SANs         []SAN
	ValidityDays int
	KeyUsages    []KeyUsage
}

func (r CertificateRequest) validate() error {
	if r.Subject == "" {
		return ids.NewError(ids.Validation, "certificate request subject must not be empty", nil)
	}
	if r.ValidityDays <= 0 {
		return ids.NewError(ids.Validation, "certificate request validity_days must be positive", nil)
	}
	if len(r.KeyUsages) == 0 {
		return ids.NewError(ids.Validation, "certificate request key_usages must not be empty", nil)
	}
	return nil
}

// Certificate is an issued leaf, plus its private key wrapped in a
// memory-scrubbing holder.
type Certificate struct {
	DERBytes  []byte
	NotBefore time.Time
	NotAfter  time.Time
	Subject   string
	Issuer    string
	SANs      []SAN

	PrivateKey *PrivateKey
}

// PrivateKey wraps an RSA private key so its bytes can be explicitly
// zeroed on release, mirroring the teacher's scrubbing discipline for
// sensitive material.
type PrivateKey struct {
	mu  sync.Mutex
	key *rsa.PrivateKey
}

// Key returns the wrapped RSA key, or nil if it has been released.
func (p *PrivateKey) Key() *rsa.PrivateKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.key
}

// Release zeroes the key's sensitive fields and discards the
// reference.
func (p *PrivateKey) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.key == nil {
		return
	}
	p.key.D.SetInt64(0)
	for _, prime := range p.key.Primes {
		prime.SetInt64(0)
	}
	p.key = nil
}

// persistedRoot is the bbolt-serialized form of the root CA.
type persistedRoot struct {
	CertDER []byte
	KeyDER  []byte
}

// CA is the cluster's certificate authority.
type CA struct {
	logger zerolog.Logger
	db     *bolt.DB

	mu       sync.RWMutex
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
}

// Open opens or creates the CA's bbolt-backed store at path and loads
// an existing root, if present.
func Open(path string) (*CA, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open pki store: %w", err)
	}
	ca := &CA{logger: clawlog.WithComponent("pki.ca"), db: db}
	if err := ca.load(); err != nil {
		return nil, err
	}
	return ca, nil
}

// Close releases the underlying store.
func (ca *CA) Close() error {
	return ca.db.Close()
}

func (ca *CA) load() error {
	return ca.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(rootBucket))
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(rootKeyName))
		if raw == nil {
			return nil
		}
		var p persistedRoot
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("unmarshal persisted root: %w", err)
		}
		cert, err := x509.ParseCertificate(p.CertDER)
		if err != nil {
			return fmt.Errorf("parse persisted root certificate: %w", err)
		}
		key, err := x509.ParsePKCS1PrivateKey(p.KeyDER)
		if err != nil {
			return fmt.Errorf("parse persisted root key: %w", err)
		}
		ca.mu.Lock()
		ca.rootCert = cert
		ca.rootKey = key
		ca.mu.Unlock()
		return nil
	})
}

// Initialize generates a fresh self-signed root and persists it,
// replacing any existing root.
func (ca *CA) Initialize() error {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate serial: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, rootKeySize)
	if err != nil {
		return fmt.Errorf("generate root key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"Clawbernetes"}, CommonName: "Clawbernetes Root CA"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create root certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parse root certificate: %w", err)
	}

	if err := ca.persist(cert, key); err != nil {
		return err
	}

	ca.mu.Lock()
	ca.rootCert = cert
	ca.rootKey = key
	ca.mu.Unlock()
	return nil
}

func (ca *CA) persist(cert *x509.Certificate, key *rsa.PrivateKey) error {
	p := persistedRoot{CertDER: cert.Raw, KeyDER: x509.MarshalPKCS1PrivateKey(key)}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal persisted root: %w", err)
	}
	return ca.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(rootBucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(rootKeyName), data)
	})
}

// Issue validates req and signs a leaf certificate against the root.
func (ca *CA) Issue(req CertificateRequest) (*Certificate, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	ca.mu.RLock()
	root, rootKey := ca.rootCert, ca.rootKey
	ca.mu.RUnlock()
	if root == nil || rootKey == nil {
		return nil, ids.NewError(ids.NotUsable, "certificate authority is not initialized", nil)
	}

	leafKey, err := rsa.GenerateKey(rand.Reader, leafKeySize)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"Clawbernetes"}, CommonName: req.Subject},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Duration(req.ValidityDays) * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  extKeyUsages(req.KeyUsages),
	}
	applySANs(template, req.SANs)

	certDER, err := x509.CreateCertificate(rand.Reader, template, root, &leafKey.PublicKey, rootKey)
	if err != nil {
		return nil, fmt.Errorf("create leaf certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse leaf certificate: %w", err)
	}

	return &Certificate{
		DERBytes:   certDER,
		NotBefore:  leaf.NotBefore,
		NotAfter:   leaf.NotAfter,
		Subject:    req.Subject,
		Issuer:     root.Subject.CommonName,
		SANs:       req.SANs,
		PrivateKey: &PrivateKey{key: leafKey},
	}, nil
}

func extKeyUsages(usages []KeyUsage) []x509.ExtKeyUsage {
	out := make([]x509.ExtKeyUsage, 0, len(usages))
	for _, u := range usages {
		switch u {
		case ServerAuth:
			out = append(out, x509.ExtKeyUsageServerAuth)
		case ClientAuth:
			out = append(out, x509.ExtKeyUsageClientAuth)
		case CodeSigning:
			out = append(out, x509.ExtKeyUsageCodeSigning)
		}
	}
	return out
}

func applySANs(template *x509.Certificate, sans []SAN) {
	for _, s := range sans {
		switch s.Kind {
		case SANDns:
			template.DNSNames = append(template.DNSNames, s.Value)
		case SANIP:
			if ip := net.ParseIP(s.Value); ip != nil {
				template.IPAddresses = append(template.IPAddresses, ip)
			}
		case SANEmail:
			template.EmailAddresses = append(template.EmailAddresses, s.Value)
		case SANUri:
			if u, err := url.Parse(s.Value); err == nil {
				template.URIs = append(template.URIs, u)
			}
		}
	}
}

// ValidEmail is a small helper callers can use before constructing a
// SANEmail entry.
func ValidEmail(s string) bool {
	_, err := mail.ParseAddress(s)
	return err == nil
}
