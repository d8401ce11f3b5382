package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsUnique(t *testing.T) {
	a := New()
	b := New()
	assert.NotEqual(t, a, b)
	assert.False(t, a.IsNil())
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{name: "valid", wantErr: false},
		{name: "garbage-input", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.wantErr {
				_, err := Parse("not-an-id")
				require.Error(t, err)
				assert.True(t, Is(err, Validation))
				return
			}
			original := New()
			parsed, err := Parse(original.String())
			require.NoError(t, err)
			assert.True(t, original.Equal(parsed))
		})
	}
}

func TestCompareTotalOrder(t *testing.T) {
	a, b := New(), New()
	if a.Compare(b) == 0 {
		t.Skip("collision, vanishingly unlikely")
	}
	assert.Equal(t, -a.Compare(b), b.Compare(a))
	assert.Equal(t, 0, a.Compare(a))
}

func TestSignVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	defer kp.Zero()

	msg := []byte("job-attestation-payload")
	sig := kp.Sign(msg)
	assert.True(t, Verify(kp.Public, msg, sig))

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	defer other.Zero()
	assert.False(t, Verify(other.Public, msg, sig))
}

func TestClawErrorUnwrap(t *testing.T) {
	cause := assert.AnError
	err := NewError(NotFound, "pool missing", cause)
	assert.ErrorIs(t, err, cause)
	assert.True(t, Is(err, NotFound))
}
