package bundleregistry

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// box lets bundles of different concrete types share one atomic pointer.
type box struct {
	bundle Bundle
}

type registeredBundle struct {
	name     string
	logger   *zap.SugaredLogger
	observer Observer

	current atomic.Pointer[box]

	// handlers is copy-on-write; mu only serializes appends.
	mu       sync.Mutex
	handlers atomic.Pointer[[]UpdateHandler]
}

func newRegisteredBundle(name string, bundle Bundle, logger *zap.SugaredLogger, observer Observer) *registeredBundle {
	rb := &registeredBundle{
		name:     name,
		logger:   logger.With("bundle", name),
		observer: observer,
	}
	rb.current.Store(&box{bundle: bundle})
	rb.handlers.Store(&[]UpdateHandler{})
	return rb
}

func (rb *registeredBundle) bundle() Bundle {
	return rb.current.Load().bundle
}

func (rb *registeredBundle) addUpdateHandler(h UpdateHandler) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	old := *rb.handlers.Load()
	next := make([]UpdateHandler, len(old), len(old)+1)
	copy(next, old)
	next = append(next, h)
	rb.handlers.Store(&next)
}

func (rb *registeredBundle) handlerCount() int {
	return len(*rb.handlers.Load())
}

func (rb *registeredBundle) update(bundle Bundle) error {
	rb.current.Store(&box{bundle: bundle})

	handlers := *rb.handlers.Load()
	rb.observer.BundleUpdated(rb.name, len(handlers))

	if len(handlers) == 0 {
		rb.logger.Warn("bundle updated without update handlers, consumers that cached it keep the old one")
		return nil
	}

	var errs error
	for i, h := range handlers {
		if err := rb.invoke(h, bundle); err != nil {
			herr := &HandlerError{Bundle: rb.name, Index: i, Err: err}
			rb.logger.With("handler", i, "error", err).Error("update handler failed")
			rb.observer.HandlerFailed(rb.name)
			errs = multierr.Append(errs, herr)
		}
	}
	return errs
}

func (rb *registeredBundle) invoke(h UpdateHandler, bundle Bundle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return h(bundle)
}
