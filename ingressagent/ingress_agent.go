package ingressagent

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/numtide/cert-registry/appcontext"
	"github.com/numtide/cert-registry/event"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	networkingv1 "k8s.io/api/networking/v1"
)

const VaultPathAnnotation = "cert-registry.numtide.com/vault-path"

// desired is what an ingress asks for.
type desired struct {
	vaultPath  string
	domain     string
	secretName string
}

func desiredFrom(ing *networkingv1.Ingress) desired {
	d := desired{vaultPath: ing.ObjectMeta.Annotations[VaultPathAnnotation]}
	if len(ing.Spec.TLS) > 0 {
		tls := ing.Spec.TLS[0]
		d.secretName = tls.SecretName
		if len(tls.Hosts) > 0 {
			d.domain = tls.Hosts[0]
		}
	}
	return d
}

// mailbox hands the latest desired state to the worker. Older states that
// were never picked up are dropped.
type mailbox struct {
	mu     sync.Mutex
	want   desired
	cancel context.CancelFunc
	kick   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{kick: make(chan struct{}, 1)}
}

// put never blocks. A change aborts the attempt in flight.
func (m *mailbox) put(d desired) {
	m.mu.Lock()
	if d != m.want && m.cancel != nil {
		m.cancel()
	}
	m.want = d
	m.mu.Unlock()

	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *mailbox) take(ctx context.Context) (desired, context.Context, context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attemptCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	return m.want, attemptCtx, cancel
}

// ingressState holds what has actually been acquired, as opposed to what
// the ingress asks for.
type ingressState struct {
	namespace string
	appCtx    appcontext.AppContext

	// bundleName is set while a reference on the bundle for vaultPath and
	// domain is held.
	vaultPath  string
	domain     string
	bundleName string

	// secretName is set while the secret is tracked.
	secretName string

	newBackOff func() backoff.BackOff
	logger     *zap.SugaredLogger
}

func newIngressState(namespace, name string, appCtx appcontext.AppContext) *ingressState {
	return &ingressState{
		namespace:  namespace,
		appCtx:     appCtx,
		newBackOff: retryBackOff,
		logger:     appCtx.Logger.With("process", "ingress_agent", "namespace", namespace, "name", name),
	}
}

func retryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 0
	return b
}

func (c *ingressState) target(secretName string) appcontext.SecretTarget {
	return appcontext.SecretTarget{Namespace: c.namespace, SecretName: secretName}
}

// reconcile moves the acquired state towards want. It is a no-op when both
// already match, so it can be called again after any failure.
func (c *ingressState) reconcile(ctx context.Context, want desired) error {
	if c.bundleName != "" && (c.vaultPath != want.vaultPath || c.domain != want.domain) {
		c.release(ctx)
	} else if c.secretName != "" && c.secretName != want.secretName {
		c.untrack(ctx)
	}

	if want.vaultPath == "" || want.domain == "" {
		return nil
	}

	if c.bundleName == "" {
		name, err := c.appCtx.CertManager.Ensure(ctx, want.vaultPath, want.domain)
		if err != nil {
			return errors.Wrapf(err, "while ensuring certificate for %s", want.domain)
		}
		c.vaultPath = want.vaultPath
		c.domain = want.domain
		c.bundleName = name
	}

	if want.secretName == "" {
		c.logger.Debug("no secret stored because secret name is empty")
		return nil
	}

	if c.secretName == "" {
		err := c.appCtx.SecretWriter.Track(ctx, c.bundleName, c.target(want.secretName))
		if err != nil {
			return errors.Wrapf(err, "while storing secret %s", want.secretName)
		}
		c.secretName = want.secretName
		c.logger.With("secretName", want.secretName, "bundle", c.bundleName).Info("secret tracked")
	}
	return nil
}

func (c *ingressState) untrack(ctx context.Context) {
	err := c.appCtx.SecretWriter.Untrack(ctx, c.bundleName, c.target(c.secretName))
	if err != nil {
		c.logger.With("error", err, "secretName", c.secretName).Error("while deleting secret")
	}
	c.secretName = ""
}

func (c *ingressState) release(ctx context.Context) {
	if c.secretName != "" {
		c.untrack(ctx)
	}
	if c.bundleName != "" {
		c.appCtx.CertManager.Release(c.bundleName)
		c.bundleName = ""
		c.vaultPath = ""
		c.domain = ""
	}
}

// run reconciles whenever the mailbox is kicked, and retries failed attempts
// with backoff until they succeed or a newer state arrives.
func (c *ingressState) run(ctx context.Context, box *mailbox) {
	b := c.newBackOff()
	var retry <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-box.kick:
		case <-retry:
		}
		retry = nil

		want, attemptCtx, cancel := box.take(ctx)
		err := c.reconcile(attemptCtx, want)
		aborted := attemptCtx.Err() != nil
		cancel()

		switch {
		case err == nil:
			b.Reset()
		case ctx.Err() != nil:
			return
		case aborted:
			// superseded by a newer state, which kicked the mailbox
		default:
			wait := b.NextBackOff()
			c.logger.With("error", err, "retryIn", wait).Error("while reconciling ingress")
			retry = time.After(wait)
		}
	}
}

// Process follows one ingress until input is closed, which means the ingress
// was deleted and its secret is removed. When ctx is done it returns without
// touching the secret.
//
// Certificates are acquired by a separate worker, so Process keeps reading
// input while an issuance is pending.
func Process(ctx context.Context, input <-chan event.Event, appCtx appcontext.AppContext, terminate func()) {

	defer terminate()

	var initial event.Event
	select {
	case ev, ok := <-input:
		if !ok {
			return
		}
		initial = ev
	case <-ctx.Done():
		return
	}

	state := newIngressState(initial.Data.ObjectMeta.Namespace, initial.Data.ObjectMeta.Name, appCtx)

	box := newMailbox()
	box.put(desiredFrom(initial.Data))

	workerCtx, stopWorker := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		state.run(workerCtx, box)
	}()

	for {

		select {
		case ev, ok := <-input:
			if !ok {
				stopWorker()
				<-done
				state.release(context.Background())
				state.logger.Info("ingress removed")
				return
			}
			box.put(desiredFrom(ev.Data))

		case <-ctx.Done():
			stopWorker()
			<-done
			return
		}

	}

}
