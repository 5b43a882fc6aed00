// Package secretsink mirrors registry bundles into kubernetes TLS secrets.
package secretsink

import (
	"context"
	"sync"

	"github.com/numtide/cert-registry/appcontext"
	"github.com/numtide/cert-registry/bundleregistry"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	v1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	BundleAnnotation = "cert-registry.numtide.com/bundle"
	ManagedByLabel   = "app.kubernetes.io/managed-by"
	managedBy        = "cert-registry"
)

// Writer keeps a set of secrets per bundle and rewrites all of them when the
// bundle is updated.
type Writer struct {
	appCtx appcontext.AppContext
	logger *zap.SugaredLogger

	mu      sync.Mutex
	targets map[string]map[appcontext.SecretTarget]struct{}
}

func New(appCtx appcontext.AppContext) *Writer {
	return &Writer{
		appCtx:  appCtx,
		logger:  appCtx.Logger.With("process", "secret_writer"),
		targets: map[string]map[appcontext.SecretTarget]struct{}{},
	}
}

// HandlerFor returns the update handler to attach to bundleName.
func (w *Writer) HandlerFor(bundleName string) bundleregistry.UpdateHandler {
	return func(b bundleregistry.Bundle) error {
		cert, ok := b.(*appcontext.CertAndKey)
		if !ok {
			return errors.Errorf("bundle %q is %T, not a certificate", bundleName, b)
		}

		var errs error
		for _, t := range w.targetsOf(bundleName) {
			errs = multierr.Append(errs, w.storeSecret(context.Background(), bundleName, t, cert))
		}
		return errs
	}
}

// Track writes the current bundle to target and keeps it in sync from now on.
func (w *Writer) Track(ctx context.Context, bundleName string, target appcontext.SecretTarget) error {
	if target.SecretName == "" {
		return errors.New("secret name must not be empty")
	}

	b, err := w.appCtx.Registry.GetBundle(bundleName)
	if err != nil {
		return err
	}
	cert, ok := b.(*appcontext.CertAndKey)
	if !ok {
		return errors.Errorf("bundle %q is %T, not a certificate", bundleName, b)
	}

	w.mu.Lock()
	ts, found := w.targets[bundleName]
	if !found {
		ts = map[appcontext.SecretTarget]struct{}{}
		w.targets[bundleName] = ts
	}
	ts[target] = struct{}{}
	w.mu.Unlock()

	return w.storeSecret(ctx, bundleName, target, cert)
}

// Untrack stops syncing target and deletes the secret.
func (w *Writer) Untrack(ctx context.Context, bundleName string, target appcontext.SecretTarget) error {
	w.mu.Lock()
	if ts, found := w.targets[bundleName]; found {
		delete(ts, target)
		if len(ts) == 0 {
			delete(w.targets, bundleName)
		}
	}
	w.mu.Unlock()

	secc := w.appCtx.KubeClient.CoreV1().Secrets(target.Namespace)
	err := secc.Delete(ctx, target.SecretName, v1.DeleteOptions{})
	if kerrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "while deleting secret %s/%s", target.Namespace, target.SecretName)
	}

	w.logger.With("namespace", target.Namespace, "secretName", target.SecretName).Info("TLS secret deleted")
	return nil
}

func (w *Writer) targetsOf(bundleName string) []appcontext.SecretTarget {
	w.mu.Lock()
	defer w.mu.Unlock()

	ts := make([]appcontext.SecretTarget, 0, len(w.targets[bundleName]))
	for t := range w.targets[bundleName] {
		ts = append(ts, t)
	}
	return ts
}

func (w *Writer) storeSecret(ctx context.Context, bundleName string, target appcontext.SecretTarget, cert *appcontext.CertAndKey) error {
	logger := w.logger.With("namespace", target.Namespace, "secretName", target.SecretName, "bundle", bundleName)
	secc := w.appCtx.KubeClient.CoreV1().Secrets(target.Namespace)

	secret := &corev1.Secret{
		ObjectMeta: v1.ObjectMeta{
			Name:        target.SecretName,
			Namespace:   target.Namespace,
			Labels:      map[string]string{ManagedByLabel: managedBy},
			Annotations: map[string]string{BundleAnnotation: bundleName},
		},
		Type: corev1.SecretTypeTLS,
		Data: map[string][]byte{
			corev1.TLSCertKey:       []byte(cert.Cert),
			corev1.TLSPrivateKeyKey: []byte(cert.Key),
		},
	}

	existing, err := secc.Get(ctx, target.SecretName, v1.GetOptions{})
	switch {
	case kerrors.IsNotFound(err):
		_, err = secc.Create(ctx, secret, v1.CreateOptions{})
	case err != nil:
	default:
		existing = existing.DeepCopy()
		if existing.Type != corev1.SecretTypeTLS {
			// type is immutable
			err = errors.Errorf("secret %s/%s exists with type %s", target.Namespace, target.SecretName, existing.Type)
			break
		}
		if existing.Labels == nil {
			existing.Labels = map[string]string{}
		}
		if existing.Annotations == nil {
			existing.Annotations = map[string]string{}
		}
		existing.Labels[ManagedByLabel] = managedBy
		existing.Annotations[BundleAnnotation] = bundleName
		existing.Data = secret.Data
		_, err = secc.Update(ctx, existing, v1.UpdateOptions{})
	}

	if err != nil {
		logger.With("error", err).Error("while storing secret")
		return errors.Wrapf(err, "while storing secret %s/%s", target.Namespace, target.SecretName)
	}

	logger.Info("TLS secret stored")
	return nil
}
