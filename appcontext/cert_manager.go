package appcontext

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/pkg/errors"
)

// CertAndKey is the bundle type stored in the registry for TLS material.
// It is never modified after ParseCertAndKey returns it.
type CertAndKey struct {
	Cert string
	Key  string

	// TLS has Leaf populated.
	TLS *tls.Certificate
}

func ParseCertAndKey(certPEM, keyPEM string) (*CertAndKey, error) {
	cert, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
	if err != nil {
		return nil, errors.Wrap(err, "while parsing certificate")
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, errors.Wrap(err, "while parsing leaf cert")
	}

	cert.Leaf = leaf

	return &CertAndKey{Cert: certPEM, Key: keyPEM, TLS: &cert}, nil
}

func (c *CertAndKey) NotAfter() time.Time {
	return c.TLS.Leaf.NotAfter
}

// Equal reports whether both hold the same PEM material.
func (c *CertAndKey) Equal(o *CertAndKey) bool {
	return o != nil && c.Cert == o.Cert && c.Key == o.Key
}

//go:generate mockgen -source=cert_manager.go -destination=mocks/mocks.go -package=mocks CertManager,SecretWriter

// CertManager keeps Vault issued bundles registered for as long as someone
// holds a reference to them.
type CertManager interface {
	Ensure(ctx context.Context, vaultPath, domain string) (string, error)
	Release(name string)
}

// SecretTarget is a kubernetes TLS secret that mirrors a bundle.
type SecretTarget struct {
	Namespace  string
	SecretName string
}

type SecretWriter interface {
	Track(ctx context.Context, bundleName string, target SecretTarget) error
	Untrack(ctx context.Context, bundleName string, target SecretTarget) error
}
