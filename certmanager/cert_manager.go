package certmanager

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/numtide/cert-registry/appcontext"
	"github.com/numtide/cert-registry/bundleregistry"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var ErrClosed = errors.New("cert manager closed")

// HandlerFactory builds the update handler attached to every bundle the
// manager registers.
type HandlerFactory func(bundleName string) bundleregistry.UpdateHandler

type Option func(*CertManager)

func WithIssuer(i Issuer) Option {
	return func(c *CertManager) { c.issuer = i }
}

func WithUpdateHandlers(f ...HandlerFactory) Option {
	return func(c *CertManager) { c.handlers = append(c.handlers, f...) }
}

func WithBackOff(f func() backoff.BackOff) Option {
	return func(c *CertManager) { c.newBackOff = f }
}

func WithMinRenewInterval(d time.Duration) Option {
	return func(c *CertManager) { c.minRenewInterval = d }
}

func WithClock(after func(time.Duration) <-chan time.Time) Option {
	return func(c *CertManager) { c.after = after }
}

// CertManager runs one renewal agent per Vault path and domain and keeps the
// resulting bundle registered while at least one caller holds it.
type CertManager struct {
	appContext appcontext.AppContext
	logger     *zap.SugaredLogger

	issuer           Issuer
	handlers         []HandlerFactory
	newBackOff       func() backoff.BackOff
	minRenewInterval time.Duration
	after            func(time.Duration) <-chan time.Time

	issuing singleflight.Group
	// ctx bounds first issuances, which outlive the callers waiting on them.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	agents map[string]*certAgent
	// stopping holds names whose agent is shutting down; closed once the
	// bundle is gone from the registry.
	stopping map[string]chan struct{}
	closed   bool
}

func New(appContext appcontext.AppContext, opts ...Option) *CertManager {
	ctx, cancel := context.WithCancel(context.Background())
	cm := &CertManager{
		ctx:              ctx,
		cancel:           cancel,
		appContext:       appContext,
		logger:           appContext.Logger.With("process", "cert_manager"),
		newBackOff:       defaultBackOff,
		minRenewInterval: time.Minute,
		after:            time.After,
		agents:           map[string]*certAgent{},
		stopping:         map[string]chan struct{}{},
	}
	for _, o := range opts {
		o(cm)
	}
	if cm.issuer == nil {
		cm.issuer = NewVaultIssuer(appContext.VaultClient)
	}
	return cm
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func BundleName(vaultPath, domain string) string {
	return vaultPath + ":" + domain
}

// Ensure makes sure the bundle for vaultPath and domain is registered and
// being renewed, and takes a reference on it. The first call blocks until a
// certificate has been issued or ctx is done. A caller giving up does not
// cancel the issuance for the others waiting on it.
func (c *CertManager) Ensure(ctx context.Context, vaultPath, domain string) (string, error) {
	name := BundleName(vaultPath, domain)

	for {
		acquired, err := c.acquire(name)
		if err != nil {
			return "", err
		}
		if acquired {
			return name, nil
		}

		ch := c.issuing.DoChan(name, func() (interface{}, error) {
			return nil, c.start(c.ctx, name, vaultPath, domain)
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return "", res.Err
			}
		case <-ctx.Done():
			go c.dropUnclaimed(ch, name)
			return "", ctx.Err()
		}
	}
}

// dropUnclaimed waits for an issuance its caller abandoned. The bundle is
// released again unless someone else took a reference in the meantime.
func (c *CertManager) dropUnclaimed(ch <-chan singleflight.Result, name string) {
	if res := <-ch; res.Err != nil {
		return
	}
	if acquired, _ := c.acquire(name); acquired {
		c.Release(name)
	}
}

func (c *CertManager) acquire(name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, ErrClosed
	}
	a, found := c.agents[name]
	if !found {
		return false, nil
	}
	a.refs++
	return true, nil
}

func (c *CertManager) start(ctx context.Context, name, vaultPath, domain string) error {
	c.mu.Lock()
	_, running := c.agents[name]
	stopped := c.stopping[name]
	c.mu.Unlock()
	if running {
		return nil
	}
	if stopped != nil {
		select {
		case <-stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	logger := c.logger.With("bundle", name, "domain", domain)

	cert, err := c.issue(ctx, name, vaultPath, domain)
	if err != nil {
		return err
	}

	registry := c.appContext.Registry
	if err := registry.Register(name, cert); err != nil {
		return errors.Wrap(err, "while registering bundle")
	}
	for _, f := range c.handlers {
		if err := registry.AddUpdateHandler(name, f(name)); err != nil {
			_ = registry.RemoveBundle(name)
			return errors.Wrap(err, "while adding update handler")
		}
	}

	agentCtx, cancel := context.WithCancel(context.Background())
	a := &certAgent{
		name:      name,
		vaultPath: vaultPath,
		domain:    domain,
		cancel:    cancel,
		done:      make(chan struct{}),
		current:   cert,
		manager:   c,
		logger:    logger,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		_ = registry.RemoveBundle(name)
		return ErrClosed
	}
	c.agents[name] = a
	c.mu.Unlock()

	go a.run(agentCtx)

	return nil
}

// Release drops a reference taken by Ensure. The last release stops the
// agent and removes the bundle from the registry.
func (c *CertManager) Release(name string) {
	c.mu.Lock()
	a, found := c.agents[name]
	if !found {
		c.mu.Unlock()
		c.logger.With("bundle", name).Warn("release of unknown bundle")
		return
	}
	a.refs--
	if a.refs > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.agents, name)
	stopped := make(chan struct{})
	c.stopping[name] = stopped
	c.mu.Unlock()

	c.stop(a)

	c.mu.Lock()
	delete(c.stopping, name)
	c.mu.Unlock()
	close(stopped)
}

func (c *CertManager) stop(a *certAgent) {
	a.cancel()
	<-a.done
	if err := c.appContext.Registry.RemoveBundle(a.name); err != nil {
		c.logger.With("bundle", a.name, "error", err).Error("while removing bundle")
	}
	c.logger.With("bundle", a.name).Info("bundle released")
}

// Close stops every agent and removes their bundles.
func (c *CertManager) Close() {
	c.cancel()

	c.mu.Lock()
	c.closed = true
	agents := c.agents
	c.agents = map[string]*certAgent{}
	c.mu.Unlock()

	for _, a := range agents {
		c.stop(a)
	}
}

func (c *CertManager) issue(ctx context.Context, name, vaultPath, domain string) (*appcontext.CertAndKey, error) {
	logger := c.logger.With("bundle", name, "domain", domain)

	var cert *appcontext.CertAndKey
	op := func() error {
		var err error
		cert, err = c.issuer.Issue(ctx, vaultPath, domain)
		if err != nil {
			c.appContext.Metrics.IssueFailed(name)
		}
		return err
	}
	notify := func(err error, retryIn time.Duration) {
		logger.With("error", err, "retryIn", retryIn).Error("while getting cert")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), notify); err != nil {
		return nil, errors.Wrap(err, "while issuing certificate")
	}

	c.appContext.Metrics.CertIssued(name)
	logger.With("notAfter", cert.NotAfter()).Info("certificate issued")
	return cert, nil
}
