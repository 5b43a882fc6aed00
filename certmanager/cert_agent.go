package certmanager

import (
	"context"
	"crypto/x509"
	"time"

	"github.com/numtide/cert-registry/appcontext"
	"github.com/numtide/cert-registry/bundleregistry"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const renewBefore = 7 * 24 * time.Hour

type certAgent struct {
	name      string
	vaultPath string
	domain    string

	refs   int
	cancel context.CancelFunc
	done   chan struct{}

	current *appcontext.CertAndKey
	manager *CertManager
	logger  *zap.SugaredLogger
}

func (a *certAgent) run(ctx context.Context) {
	defer close(a.done)

	a.logger.Info("cert agent started")

	for {
		sleepDuration := nextRenewal(a.current.TLS.Leaf, time.Now(), a.manager.minRenewInterval)

		a.logger.With("sleepDuration", sleepDuration).Info("sleeping")

		select {
		case <-ctx.Done():
			a.logger.Info("cert agent stopped")
			return
		case <-a.manager.after(sleepDuration):
		}

		cert, err := a.manager.issue(ctx, a.name, a.vaultPath, a.domain)
		if err != nil {
			// issue only gives up once ctx is done
			a.logger.With("error", err).Info("cert agent stopped")
			return
		}
		if ctx.Err() != nil {
			return
		}

		err = a.manager.appContext.Registry.UpdateBundle(a.name, cert)
		if errors.Is(err, bundleregistry.ErrNotFound) {
			a.logger.Warn("bundle was removed, stopping cert agent")
			return
		}
		if err != nil {
			a.logger.With("error", err).Error("while notifying bundle subscribers")
		}

		a.current = cert
	}
}

// nextRenewal renews renewBefore ahead of expiry, or at half the remaining
// validity for short lived certificates, but never sooner than floor.
func nextRenewal(leaf *x509.Certificate, now time.Time, floor time.Duration) time.Duration {
	validFor := leaf.NotAfter.Sub(now)

	var d time.Duration
	if validFor > 2*renewBefore {
		d = validFor - renewBefore
	} else {
		d = validFor / 2
	}

	if d < floor {
		d = floor
	}
	return d
}
