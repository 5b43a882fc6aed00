// Package filesource registers bundles declared in a YAML file and pushes
// changes to them into the registry when the file is reloaded.
//
//	bundles:
//	  - name: status-server
//	    cert: /etc/cert-registry/tls.crt
//	    key: /etc/cert-registry/tls.key
package filesource

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/numtide/cert-registry/appcontext"
	"github.com/numtide/cert-registry/bundleregistry"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type BundleFile struct {
	Name string `yaml:"name"`
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type File struct {
	Bundles []BundleFile `yaml:"bundles"`
}

func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "while reading bundles file")
	}

	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errors.Wrap(err, "while parsing bundles file")
	}

	seen := map[string]bool{}
	for i, b := range f.Bundles {
		if b.Name == "" || b.Cert == "" || b.Key == "" {
			return nil, errors.Errorf("bundle %d: name, cert and key are required", i)
		}
		if seen[b.Name] {
			return nil, errors.Errorf("bundle %q declared twice", b.Name)
		}
		seen[b.Name] = true

		// relative paths are relative to the bundles file
		dir := filepath.Dir(path)
		if !filepath.IsAbs(b.Cert) {
			f.Bundles[i].Cert = filepath.Join(dir, b.Cert)
		}
		if !filepath.IsAbs(b.Key) {
			f.Bundles[i].Key = filepath.Join(dir, b.Key)
		}
	}

	return &f, nil
}

// Source owns the bundles declared in one file.
type Source struct {
	path     string
	registry *bundleregistry.Registry
	logger   *zap.SugaredLogger

	mu    sync.Mutex
	owned map[string]bool
}

func New(path string, appCtx appcontext.AppContext) *Source {
	return &Source{
		path:     path,
		registry: appCtx.Registry,
		logger:   appCtx.Logger.With("process", "file_source", "path", path),
		owned:    map[string]bool{},
	}
}

// Reload re-reads the file. New bundles are registered, changed ones
// updated and bundles no longer declared removed. A broken entry does not
// keep the others from being applied.
func (s *Source) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := Load(s.path)
	if err != nil {
		return err
	}

	var errs error
	declared := map[string]bool{}
	for _, b := range f.Bundles {
		declared[b.Name] = true
		errs = multierr.Append(errs, s.apply(b))
	}

	for name := range s.owned {
		if declared[name] {
			continue
		}
		if err := s.registry.RemoveBundle(name); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		delete(s.owned, name)
		s.logger.With("bundle", name).Info("bundle no longer declared, removed")
	}

	return errs
}

func (s *Source) apply(b BundleFile) error {
	logger := s.logger.With("bundle", b.Name)

	certPEM, err := os.ReadFile(b.Cert)
	if err != nil {
		return errors.Wrapf(err, "while reading certificate of %q", b.Name)
	}
	keyPEM, err := os.ReadFile(b.Key)
	if err != nil {
		return errors.Wrapf(err, "while reading key of %q", b.Name)
	}
	cert, err := appcontext.ParseCertAndKey(string(certPEM), string(keyPEM))
	if err != nil {
		return errors.Wrapf(err, "bundle %q", b.Name)
	}

	if !s.owned[b.Name] {
		if err := s.registry.Register(b.Name, cert); err != nil {
			return err
		}
		s.owned[b.Name] = true
		return nil
	}

	current, err := s.registry.GetBundle(b.Name)
	if err == nil {
		if c, ok := current.(*appcontext.CertAndKey); ok && c.Equal(cert) {
			return nil
		}
	}
	if errors.Is(err, bundleregistry.ErrNotFound) {
		// removed by someone else; take it back
		delete(s.owned, b.Name)
		return s.apply(b)
	}

	logger.With("notAfter", cert.NotAfter()).Info("bundle changed on disk")
	return s.registry.UpdateBundle(b.Name, cert)
}
