package k8sdispatcher

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/numtide/cert-registry/event"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	networkingv1 "k8s.io/api/networking/v1"
	v1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
)

var errWatchClosed = errors.New("watch channel closed")

// Watch turns ingress watch events into events on out until ctx is done or
// the API server closes the watch.
func Watch(ctx context.Context, client kubernetes.Interface, namespace string, out chan<- event.Event) error {
	ingresses := client.NetworkingV1().Ingresses(namespace)

	w, err := ingresses.Watch(ctx, v1.ListOptions{})
	if err != nil {
		return errors.Wrap(err, "while creating event watch")
	}

	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.ResultChan():
			if !ok {
				return errWatchClosed
			}

			obj, ok := ev.Object.(*networkingv1.Ingress)
			if !ok {
				continue
			}

			var t event.EventType
			switch ev.Type {
			case watch.Added:
				t = event.Create
			case watch.Modified:
				t = event.Update
			case watch.Deleted:
				t = event.Delete
			default:
				continue
			}

			select {
			case out <- event.Event{Type: t, Data: obj}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// WatchForever restarts Watch with backoff until ctx is done.
func WatchForever(ctx context.Context, client kubernetes.Interface, namespace string, out chan<- event.Event, logger *zap.SugaredLogger) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0

	op := func() error {
		started := time.Now()
		err := Watch(ctx, client, namespace, out)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if time.Since(started) > b.MaxInterval {
			b.Reset()
		}
		return err
	}

	notify := func(err error, retryIn time.Duration) {
		logger.With("error", err, "retryIn", retryIn).Warn("ingress watch ended, restarting")
	}

	_ = backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}
