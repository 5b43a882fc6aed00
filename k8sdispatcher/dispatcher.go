package k8sdispatcher

import (
	"context"
	"sync"

	"github.com/numtide/cert-registry/appcontext"
	"github.com/numtide/cert-registry/event"
	"github.com/numtide/cert-registry/ingressagent"
)

type agent struct {
	key   string
	input chan event.Event
}

// Dispatch fans ingress events out to one ingress agent per ingress. It
// returns once ch is closed or ctx is done, after all agents have stopped.
func Dispatch(ctx context.Context, ch <-chan event.Event, appCtx appcontext.AppContext) {

	agentCtx, cancel := context.WithCancel(ctx)

	agents := map[string]*agent{}

	shutdownChan := make(chan *agent)

	var wg sync.WaitGroup

	defer func() {
		cancel()
		wg.Wait()
	}()

	terminate := func(a *agent) func() {
		return func() {
			defer wg.Done()
			select {
			case shutdownChan <- a:
			case <-agentCtx.Done():
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-ch:
			if !ok {
				return
			}
			key := ev.Key()
			ag, found := agents[key]
			switch ev.Type {
			case event.Create, event.Update:
				if !found {
					ag = &agent{key: key, input: make(chan event.Event)}
					wg.Add(1)
					go ingressagent.Process(agentCtx, ag.input, appCtx, terminate(ag))
					agents[key] = ag
				}
			case event.Delete:
				if found {
					close(ag.input)
					delete(agents, key)
				}
				continue
			}
			appCtx.Logger.With("key", key, "type", ev.Type).Info("sending event")
			select {
			case ag.input <- ev:
			case <-ctx.Done():
				return
			}

		case a := <-shutdownChan:
			if agents[a.key] == a {
				close(a.input)
				delete(agents, a.key)
			}
			appCtx.Logger.With("key", a.key).Info("ingress agent terminated")
		}
	}
}
