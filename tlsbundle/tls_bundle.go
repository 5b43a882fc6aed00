// Package tlsbundle plugs registry bundles into crypto/tls. Every handshake
// looks the bundle up again, so rotations apply to the next connection
// without an update handler.
package tlsbundle

import (
	"crypto/tls"

	"github.com/numtide/cert-registry/appcontext"
	"github.com/numtide/cert-registry/bundleregistry"
	"github.com/pkg/errors"
)

// Getter is the read side of bundleregistry.Registry.
type Getter interface {
	GetBundle(name string) (bundleregistry.Bundle, error)
}

func certificate(g Getter, name string) (*tls.Certificate, error) {
	b, err := g.GetBundle(name)
	if err != nil {
		return nil, err
	}
	cert, ok := b.(*appcontext.CertAndKey)
	if !ok {
		return nil, errors.Errorf("bundle %q is %T, not a certificate", name, b)
	}
	return cert.TLS, nil
}

func GetCertificate(g Getter, name string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		return certificate(g, name)
	}
}

func GetClientCertificate(g Getter, name string) func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	return func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
		return certificate(g, name)
	}
}

func ServerConfig(g Getter, name string) *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: GetCertificate(g, name),
	}
}

func ClientConfig(g Getter, name string) *tls.Config {
	return &tls.Config{
		MinVersion:           tls.VersionTLS12,
		GetClientCertificate: GetClientCertificate(g, name),
	}
}
