// Package bundleregistry keeps named TLS bundles that can be rotated while
// the components using them keep running.
//
// A name is registered once. Readers fetch the current bundle with GetBundle
// and never block on a concurrent UpdateBundle; components that cache a
// bundle subscribe with AddUpdateHandler and are called, in subscription
// order, on every later update.
package bundleregistry

import (
	"reflect"
	"sort"
	"sync"
	"unicode"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Bundle is an opaque, immutable set of trust/key material. The registry
// never looks inside it.
type Bundle interface{}

// UpdateHandler is called with the new bundle after every update of the
// name it was added to.
type UpdateHandler func(Bundle) error

// Observer receives registry lifecycle signals, e.g. for metrics.
type Observer interface {
	BundleRegistered(name string)
	// BundleUpdated is called after the new value is published. handlers is
	// the number of subscribers that are about to be notified.
	BundleUpdated(name string, handlers int)
	BundleRemoved(name string)
	HandlerFailed(name string)
}

type nopObserver struct{}

func (nopObserver) BundleRegistered(string)   {}
func (nopObserver) BundleUpdated(string, int) {}
func (nopObserver) BundleRemoved(string)      {}
func (nopObserver) HandlerFailed(string)      {}

type Option func(*Registry)

func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observer = o
		}
	}
}

type Registry struct {
	bundles  sync.Map // string -> *registeredBundle
	logger   *zap.SugaredLogger
	observer Observer
}

func New(logger *zap.SugaredLogger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	r := &Registry{
		logger:   logger.With("process", "bundle_registry"),
		observer: nopObserver{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register stores bundle under name. It fails with ErrAlreadyRegistered if
// the name is taken, leaving the stored bundle untouched.
func (r *Registry) Register(name string, bundle Bundle) error {
	if err := validateName(name); err != nil {
		return err
	}
	if isNil(bundle) {
		return invalid("bundle must not be nil")
	}

	rb := newRegisteredBundle(name, bundle, r.logger, r.observer)
	if _, loaded := r.bundles.LoadOrStore(name, rb); loaded {
		return errors.Wrapf(ErrAlreadyRegistered, "cannot replace existing bundle %q", name)
	}

	r.observer.BundleRegistered(name)
	r.logger.With("bundle", name).Info("bundle registered")
	return nil
}

func (r *Registry) GetBundle(name string) (Bundle, error) {
	rb, err := r.registered(name)
	if err != nil {
		return nil, err
	}
	return rb.bundle(), nil
}

// UpdateBundle replaces the bundle stored under name and calls every update
// handler with it. A failing handler does not stop the others; all failures
// are returned together as *HandlerError values after the new bundle has
// been published.
func (r *Registry) UpdateBundle(name string, bundle Bundle) error {
	rb, err := r.registered(name)
	if err != nil {
		return err
	}
	if isNil(bundle) {
		return invalid("updated bundle must not be nil")
	}
	return rb.update(bundle)
}

func (r *Registry) AddUpdateHandler(name string, handler UpdateHandler) error {
	rb, err := r.registered(name)
	if err != nil {
		return err
	}
	if handler == nil {
		return invalid("update handler must not be nil")
	}
	rb.addUpdateHandler(handler)
	return nil
}

// HandlerCount returns how many update handlers are attached to name.
func (r *Registry) HandlerCount(name string) (int, error) {
	rb, err := r.registered(name)
	if err != nil {
		return 0, err
	}
	return rb.handlerCount(), nil
}

// RemoveBundle forgets name and its handlers. Removing an absent name is
// not an error.
func (r *Registry) RemoveBundle(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if _, loaded := r.bundles.LoadAndDelete(name); loaded {
		r.observer.BundleRemoved(name)
		r.logger.With("bundle", name).Info("bundle removed")
	}
	return nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	var names []string
	r.bundles.Range(func(k, _ interface{}) bool {
		names = append(names, k.(string))
		return true
	})
	sort.Strings(names)
	return names
}

func (r *Registry) registered(name string) (*registeredBundle, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	v, ok := r.bundles.Load(name)
	if !ok {
		return nil, notFound(name)
	}
	return v.(*registeredBundle), nil
}

func validateName(name string) error {
	if name == "" {
		return invalid("name must not be empty")
	}
	for _, c := range name {
		if unicode.IsSpace(c) || unicode.IsControl(c) {
			return invalid("name must not contain whitespace or control characters")
		}
	}
	return nil
}

func isNil(b Bundle) bool {
	if b == nil {
		return true
	}
	v := reflect.ValueOf(b)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}
