package filesource

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/numtide/cert-registry/appcontext"
	"github.com/numtide/cert-registry/bundleregistry"
	"github.com/numtide/cert-registry/internal/certtest"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

type SourceSuite struct {
	suite.Suite
	dir      string
	registry *bundleregistry.Registry
	source   *Source
}

func TestSourceSuite(t *testing.T) {
	suite.Run(t, new(SourceSuite))
}

func (s *SourceSuite) SetupTest() {
	s.dir = s.T().TempDir()
	logger := zap.NewNop().Sugar()
	s.registry = bundleregistry.New(logger)
	s.source = New(filepath.Join(s.dir, "bundles.yaml"), appcontext.AppContext{Logger: logger, Registry: s.registry})
}

func (s *SourceSuite) write(name, content string) {
	s.Require().NoError(os.WriteFile(filepath.Join(s.dir, name), []byte(content), 0600))
}

func (s *SourceSuite) writePair(prefix, domain string) string {
	certPEM, keyPEM := certtest.Valid(s.T(), domain, time.Hour)
	s.write(prefix+".crt", certPEM)
	s.write(prefix+".key", keyPEM)
	return certPEM
}

func (s *SourceSuite) current(name string) *appcontext.CertAndKey {
	b, err := s.registry.GetBundle(name)
	s.Require().NoError(err)
	return b.(*appcontext.CertAndKey)
}

func (s *SourceSuite) TestRegisterUpdateRemove() {
	first := s.writePair("web", "web.example.com")
	s.writePair("api", "api.example.com")
	s.write("bundles.yaml", `
bundles:
  - name: web
    cert: web.crt
    key: web.key
  - name: api
    cert: api.crt
    key: api.key
`)
	s.Require().NoError(s.source.Reload())
	s.Equal([]string{"api", "web"}, s.registry.Names())
	s.Equal(first, s.current("web").Cert)

	var notified int
	s.Require().NoError(s.registry.AddUpdateHandler("web", func(bundleregistry.Bundle) error {
		notified++
		return nil
	}))

	// unchanged files do not trigger an update
	s.Require().NoError(s.source.Reload())
	s.Zero(notified)

	rotated := s.writePair("web", "web.example.com")
	s.write("bundles.yaml", `
bundles:
  - name: web
    cert: web.crt
    key: web.key
`)
	s.Require().NoError(s.source.Reload())
	s.Equal(1, notified)
	s.Equal(rotated, s.current("web").Cert)
	s.Equal([]string{"web"}, s.registry.Names())
}

func (s *SourceSuite) TestBrokenEntryDoesNotBlockOthers() {
	s.writePair("web", "web.example.com")
	s.write("bundles.yaml", `
bundles:
  - name: web
    cert: web.crt
    key: web.key
  - name: broken
    cert: missing.crt
    key: missing.key
`)
	s.Error(s.source.Reload())
	s.Equal([]string{"web"}, s.registry.Names())
}

func (s *SourceSuite) TestConflictWithForeignRegistration() {
	s.Require().NoError(s.registry.Register("web", "someone else"))
	s.writePair("web", "web.example.com")
	s.write("bundles.yaml", "bundles:\n  - {name: web, cert: web.crt, key: web.key}\n")

	s.ErrorIs(s.source.Reload(), bundleregistry.ErrAlreadyRegistered)
	s.Equal("someone else", func() bundleregistry.Bundle { b, _ := s.registry.GetBundle("web"); return b }())
}

func (s *SourceSuite) TestReregistersAfterExternalRemoval() {
	s.writePair("web", "web.example.com")
	s.write("bundles.yaml", "bundles:\n  - {name: web, cert: web.crt, key: web.key}\n")
	s.Require().NoError(s.source.Reload())

	s.Require().NoError(s.registry.RemoveBundle("web"))
	s.Require().NoError(s.source.Reload())
	s.Equal([]string{"web"}, s.registry.Names())
}

func (s *SourceSuite) TestLoadValidation() {
	s.Run("missing fields", func() {
		s.write("bundles.yaml", "bundles:\n  - {name: web}\n")
		_, err := Load(filepath.Join(s.dir, "bundles.yaml"))
		s.Error(err)
	})

	s.Run("duplicate names", func() {
		s.write("bundles.yaml", "bundles:\n  - {name: web, cert: a, key: b}\n  - {name: web, cert: c, key: d}\n")
		_, err := Load(filepath.Join(s.dir, "bundles.yaml"))
		s.Error(err)
	})

	s.Run("absolute paths are kept", func() {
		s.write("bundles.yaml", "bundles:\n  - {name: web, cert: /etc/tls.crt, key: rel.key}\n")
		f, err := Load(filepath.Join(s.dir, "bundles.yaml"))
		s.Require().NoError(err)
		s.Equal("/etc/tls.crt", f.Bundles[0].Cert)
		s.Equal(filepath.Join(s.dir, "rel.key"), f.Bundles[0].Key)
	})

	s.Run("missing file", func() {
		_, err := Load(filepath.Join(s.dir, "nope.yaml"))
		s.Error(err)
	})
}
