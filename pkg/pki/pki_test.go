package pki

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCA(t *testing.T) *CA {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pki.db")
	ca, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ca.Close() })
	require.NoError(t, ca.Initialize())
	return ca
}

func TestIssueRejectsInvalidRequest(t *testing.T) {
	ca := newTestCA(t)

	_, err := ca.Issue(CertificateRequest{ValidityDays: 30, KeyUsages: []KeyUsage{ServerAuth}})
	assert.Error(t, err)

	_, err = ca.Issue(CertificateRequest{Subject: "node-1", KeyUsages: []KeyUsage{ServerAuth}})
	assert.Error(t, err)

	_, err = ca.Issue(CertificateRequest{Subject: "node-1", ValidityDays: 30})
	assert.Error(t, err)
}

func TestIssueProducesLeafSignedByRoot(t *testing.T) {
	ca := newTestCA(t)

	cert, err := ca.Issue(CertificateRequest{
		Subject:      "node-1",
		SANs:         []SAN{{Kind: SANDns, Value: "node-1.internal"}, {Kind: SANIP, Value: "10.1.2.3"}},
		ValidityDays: 90,
		KeyUsages:    []KeyUsage{ServerAuth, ClientAuth},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, cert.DERBytes)
	assert.Equal(t, "node-1", cert.Subject)
	assert.Equal(t, "Clawbernetes Root CA", cert.Issuer)
	assert.NotNil(t, cert.PrivateKey.Key())

	cert.PrivateKey.Release()
	assert.Nil(t, cert.PrivateKey.Key())
}

func TestUninitializedCARejectsIssue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pki.db")
	ca, err := Open(path)
	require.NoError(t, err)
	defer ca.Close()

	_, err = ca.Issue(CertificateRequest{Subject: "x", ValidityDays: 1, KeyUsages: []KeyUsage{ServerAuth}})
	assert.Error(t, err)
}

func TestPersistedRootSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pki.db")
	ca, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, ca.Initialize())
	require.NoError(t, ca.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	cert, err := reopened.Issue(CertificateRequest{Subject: "y", ValidityDays: 1, KeyUsages: []KeyUsage{ServerAuth}})
	require.NoError(t, err)
	assert.Equal(t, "Clawbernetes Root CA", cert.Issuer)
}
