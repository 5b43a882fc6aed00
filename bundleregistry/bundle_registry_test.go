package bundleregistry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type testBundle struct {
	id string
}

type RegistrySuite struct {
	suite.Suite
	registry *Registry
	logs     *observer.ObservedLogs
}

func (s *RegistrySuite) SetupTest() {
	core, logs := observer.New(zapcore.DebugLevel)
	s.logs = logs
	s.registry = New(zap.New(core).Sugar())
}

func (s *RegistrySuite) warnings() *observer.ObservedLogs {
	return s.logs.Filter(func(e observer.LoggedEntry) bool {
		return e.Level == zapcore.WarnLevel
	})
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}

func (s *RegistrySuite) TestRegister() {
	s.Run("stores the bundle", func() {
		a := &testBundle{id: "a"}
		s.Require().NoError(s.registry.Register("server", a))

		got, err := s.registry.GetBundle("server")
		s.Require().NoError(err)
		s.Same(a, got)
	})

	s.Run("rejects re-registration and keeps the original", func() {
		a := &testBundle{id: "a"}
		s.Require().NoError(s.registry.Register("client", a))

		err := s.registry.Register("client", &testBundle{id: "b"})
		s.Require().ErrorIs(err, ErrAlreadyRegistered)

		got, err := s.registry.GetBundle("client")
		s.Require().NoError(err)
		s.Same(a, got)
	})

	s.Run("rejects invalid arguments", func() {
		var typedNil *testBundle
		s.ErrorIs(s.registry.Register("", &testBundle{}), ErrInvalidArgument)
		s.ErrorIs(s.registry.Register("with space", &testBundle{}), ErrInvalidArgument)
		s.ErrorIs(s.registry.Register("nil", nil), ErrInvalidArgument)
		s.ErrorIs(s.registry.Register("typed-nil", typedNil), ErrInvalidArgument)
		s.NotContains(s.registry.Names(), "nil")
		s.NotContains(s.registry.Names(), "typed-nil")
	})

	s.Run("accepts non-pointer bundles", func() {
		s.Require().NoError(s.registry.Register("value", "pem-bytes"))
		got, err := s.registry.GetBundle("value")
		s.Require().NoError(err)
		s.Equal("pem-bytes", got)
	})
}

func (s *RegistrySuite) TestUnregisteredName() {
	_, err := s.registry.GetBundle("missing")
	s.ErrorIs(err, ErrNotFound)
	s.ErrorIs(s.registry.UpdateBundle("missing", &testBundle{}), ErrNotFound)
	s.ErrorIs(s.registry.AddUpdateHandler("missing", func(Bundle) error { return nil }), ErrNotFound)
	_, err = s.registry.HandlerCount("missing")
	s.ErrorIs(err, ErrNotFound)
}

func (s *RegistrySuite) TestUpdate() {
	a, b, c := &testBundle{id: "a"}, &testBundle{id: "b"}, &testBundle{id: "c"}
	s.Require().NoError(s.registry.Register("server", a))

	var received []Bundle
	s.Require().NoError(s.registry.AddUpdateHandler("server", func(nb Bundle) error {
		received = append(received, nb)
		return nil
	}))

	s.Require().NoError(s.registry.UpdateBundle("server", b))
	s.Equal([]Bundle{b}, received)

	got, err := s.registry.GetBundle("server")
	s.Require().NoError(err)
	s.Same(b, got)
	s.Zero(s.warnings().Len())

	s.Require().NoError(s.registry.UpdateBundle("server", c))
	s.Equal([]Bundle{b, c}, received)

	s.ErrorIs(s.registry.UpdateBundle("server", nil), ErrInvalidArgument)
	got, _ = s.registry.GetBundle("server")
	s.Same(c, got)
}

func (s *RegistrySuite) TestUpdateWithoutHandlersWarns() {
	s.Require().NoError(s.registry.Register("server", &testBundle{id: "a"}))

	c := &testBundle{id: "c"}
	s.Require().NoError(s.registry.UpdateBundle("server", c))

	warnings := s.warnings().All()
	s.Require().Len(warnings, 1)
	s.Equal("server", warnings[0].ContextMap()["bundle"])

	got, err := s.registry.GetBundle("server")
	s.Require().NoError(err)
	s.Same(c, got)
}

func (s *RegistrySuite) TestHandlersRunInOrderWithoutReplay() {
	s.Require().NoError(s.registry.Register("server", &testBundle{id: "a"}))

	var calls []string
	handler := func(tag string) UpdateHandler {
		return func(b Bundle) error {
			calls = append(calls, tag+":"+b.(*testBundle).id)
			return nil
		}
	}

	s.Require().NoError(s.registry.AddUpdateHandler("server", handler("first")))
	s.Require().NoError(s.registry.AddUpdateHandler("server", handler("second")))
	s.Require().NoError(s.registry.UpdateBundle("server", &testBundle{id: "b"}))

	s.Require().NoError(s.registry.AddUpdateHandler("server", handler("late")))
	s.Equal([]string{"first:b", "second:b"}, calls)

	s.Require().NoError(s.registry.UpdateBundle("server", &testBundle{id: "c"}))
	s.Equal([]string{"first:b", "second:b", "first:c", "second:c", "late:c"}, calls)

	n, err := s.registry.HandlerCount("server")
	s.Require().NoError(err)
	s.Equal(3, n)

	s.ErrorIs(s.registry.AddUpdateHandler("server", nil), ErrInvalidArgument)
}

func (s *RegistrySuite) TestHandlerFailuresAreIsolated() {
	s.Require().NoError(s.registry.Register("server", &testBundle{id: "a"}))

	boom := errors.New("boom")
	var reached bool
	s.Require().NoError(s.registry.AddUpdateHandler("server", func(Bundle) error { return boom }))
	s.Require().NoError(s.registry.AddUpdateHandler("server", func(Bundle) error { panic("kaput") }))
	s.Require().NoError(s.registry.AddUpdateHandler("server", func(Bundle) error {
		reached = true
		return nil
	}))

	b := &testBundle{id: "b"}
	err := s.registry.UpdateBundle("server", b)
	s.Require().Error(err)
	s.True(reached)
	s.ErrorIs(err, boom)

	errs := multierr.Errors(err)
	s.Require().Len(errs, 2)
	var herr *HandlerError
	s.Require().True(errors.As(errs[1], &herr))
	s.Equal(1, herr.Index)
	s.Equal("server", herr.Bundle)
	s.Contains(herr.Error(), "kaput")

	got, _ := s.registry.GetBundle("server")
	s.Same(b, got)
	s.Equal(2, s.logs.FilterMessage("update handler failed").Len())
}

func (s *RegistrySuite) TestRemove() {
	s.Require().NoError(s.registry.Register("server", &testBundle{id: "a"}))

	var calls int
	s.Require().NoError(s.registry.AddUpdateHandler("server", func(Bundle) error {
		calls++
		return nil
	}))

	s.Require().NoError(s.registry.RemoveBundle("server"))
	_, err := s.registry.GetBundle("server")
	s.ErrorIs(err, ErrNotFound)
	s.ErrorIs(s.registry.UpdateBundle("server", &testBundle{id: "b"}), ErrNotFound)
	s.ErrorIs(s.registry.AddUpdateHandler("server", func(Bundle) error { return nil }), ErrNotFound)
	_, err = s.registry.HandlerCount("server")
	s.ErrorIs(err, ErrNotFound)

	s.Require().NoError(s.registry.RemoveBundle("server"))
	s.ErrorIs(s.registry.RemoveBundle(""), ErrInvalidArgument)

	// A new registration starts with a fresh handler list.
	s.Require().NoError(s.registry.Register("server", &testBundle{id: "c"}))
	s.Require().NoError(s.registry.UpdateBundle("server", &testBundle{id: "d"}))
	s.Zero(calls)
}

func (s *RegistrySuite) TestNames() {
	for _, n := range []string{"b", "a", "c"} {
		s.Require().NoError(s.registry.Register(n, &testBundle{id: n}))
	}
	s.Equal([]string{"a", "b", "c"}, s.registry.Names())
}

type countingObserver struct {
	mu sync.Mutex

	registered, updated, removed, failures, unobserved int
}

func (o *countingObserver) BundleRegistered(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.registered++
}

func (o *countingObserver) BundleRemoved(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removed++
}

func (o *countingObserver) HandlerFailed(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures++
}

func (o *countingObserver) BundleUpdated(_ string, handlers int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updated++
	if handlers == 0 {
		o.unobserved++
	}
}

func TestObserver(t *testing.T) {
	o := &countingObserver{}
	r := New(nil, WithObserver(o))

	require.NoError(t, r.Register("server", &testBundle{}))
	require.Error(t, r.Register("server", &testBundle{}))
	require.NoError(t, r.UpdateBundle("server", &testBundle{}))
	require.NoError(t, r.AddUpdateHandler("server", func(Bundle) error { return errors.New("nope") }))
	require.Error(t, r.UpdateBundle("server", &testBundle{}))
	require.NoError(t, r.RemoveBundle("server"))
	require.NoError(t, r.RemoveBundle("server"))

	assert.Equal(t, 1, o.registered)
	assert.Equal(t, 2, o.updated)
	assert.Equal(t, 1, o.unobserved)
	assert.Equal(t, 1, o.failures)
	assert.Equal(t, 1, o.removed)
}

func TestConcurrentRegisterHasOneWinner(t *testing.T) {
	r := New(nil)

	const n = 64
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		losses  int
		winner  Bundle
		start   = make(chan struct{})
		bundles = make([]*testBundle, n)
	)
	for i := 0; i < n; i++ {
		bundles[i] = &testBundle{id: fmt.Sprint(i)}
		wg.Add(1)
		go func(b *testBundle) {
			defer wg.Done()
			<-start
			err := r.Register("shared", b)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
				winner = b
			case errors.Is(err, ErrAlreadyRegistered):
				losses++
			}
		}(bundles[i])
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, losses)

	got, err := r.GetBundle("shared")
	require.NoError(t, err)
	assert.Same(t, winner, got)
}

type pair struct {
	a, b int
}

func TestConcurrentReadersSeeWholeValues(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("server", pair{a: 0, b: 0}))

	const readers = 16
	stop := make(chan struct{})
	var wg sync.WaitGroup
	torn := make(chan pair, readers)

	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				got, err := r.GetBundle("server")
				if err != nil {
					continue
				}
				if p := got.(pair); p.a != p.b {
					torn <- p
					return
				}
			}
		}()
	}

	for i := 1; i <= 1000; i++ {
		require.NoError(t, r.UpdateBundle("server", pair{a: i, b: i}))
	}
	close(stop)
	wg.Wait()
	close(torn)

	for p := range torn {
		t.Fatalf("observed torn bundle %+v", p)
	}
	got, err := r.GetBundle("server")
	require.NoError(t, err)
	assert.Equal(t, pair{a: 1000, b: 1000}, got)
}

func TestAddHandlerDuringUpdate(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("server", &testBundle{}))

	const updates = 200
	var (
		mu    sync.Mutex
		calls = map[int]int{}
		wg    sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.AddUpdateHandler("server", func(Bundle) error {
				mu.Lock()
				calls[i]++
				mu.Unlock()
				return nil
			}))
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < updates; i++ {
			assert.NoError(t, r.UpdateBundle("server", &testBundle{}))
		}
	}()
	wg.Wait()

	n, err := r.HandlerCount("server")
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	for id, c := range calls {
		assert.LessOrEqual(t, c, updates, "handler %d called too often", id)
	}
}
