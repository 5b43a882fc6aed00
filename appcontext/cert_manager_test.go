package appcontext

import (
	"testing"
	"time"

	"github.com/numtide/cert-registry/internal/certtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCertAndKey(t *testing.T) {
	certPEM, keyPEM := certtest.Valid(t, "example.com", 24*time.Hour)

	ck, err := ParseCertAndKey(certPEM, keyPEM)
	require.NoError(t, err)
	require.NotNil(t, ck.TLS.Leaf)
	assert.Equal(t, "example.com", ck.TLS.Leaf.Subject.CommonName)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), ck.NotAfter(), time.Minute)

	same, err := ParseCertAndKey(certPEM, keyPEM)
	require.NoError(t, err)
	assert.True(t, ck.Equal(same))

	otherCert, otherKey := certtest.Valid(t, "example.com", time.Hour)
	other, err := ParseCertAndKey(otherCert, otherKey)
	require.NoError(t, err)
	assert.False(t, ck.Equal(other))
	assert.False(t, ck.Equal(nil))
}

func TestParseCertAndKeyRejectsMismatchedKey(t *testing.T) {
	certPEM, _ := certtest.Valid(t, "a.example.com", time.Hour)
	_, keyPEM := certtest.Valid(t, "b.example.com", time.Hour)

	_, err := ParseCertAndKey(certPEM, keyPEM)
	assert.Error(t, err)

	_, err = ParseCertAndKey("not a cert", "not a key")
	assert.Error(t, err)
}
