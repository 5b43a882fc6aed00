// Package statusapi serves bundle status and metrics over HTTP.
package statusapi

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/numtide/cert-registry/appcontext"
	"github.com/numtide/cert-registry/bundleregistry"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type BundleStatus struct {
	Name     string     `json:"name"`
	Handlers int        `json:"handlers"`
	Subject  string     `json:"subject,omitempty"`
	Serial   string     `json:"serial,omitempty"`
	DNSNames []string   `json:"dnsNames,omitempty"`
	NotAfter *time.Time `json:"notAfter,omitempty"`
}

type Handler struct {
	registry *bundleregistry.Registry
	gatherer prometheus.Gatherer
	logger   *zap.SugaredLogger
}

func New(appCtx appcontext.AppContext, gatherer prometheus.Gatherer) *Handler {
	return &Handler{
		registry: appCtx.Registry,
		gatherer: gatherer,
		logger:   appCtx.Logger.With("process", "status_api"),
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/bundles", h.listBundles)
	// bundle names contain slashes, e.g. pki/issue/web:example.com
	r.Get("/bundles/*", h.getBundle)
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	return r
}

func (h *Handler) listBundles(w http.ResponseWriter, _ *http.Request) {
	statuses := []BundleStatus{}
	for _, name := range h.registry.Names() {
		st, err := h.status(name)
		if errors.Is(err, bundleregistry.ErrNotFound) {
			// removed since Names
			continue
		}
		if err != nil {
			h.writeError(w, err)
			return
		}
		statuses = append(statuses, st)
	}
	h.writeJSON(w, http.StatusOK, statuses)
}

func (h *Handler) getBundle(w http.ResponseWriter, r *http.Request) {
	st, err := h.status(chi.URLParam(r, "*"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

func (h *Handler) status(name string) (BundleStatus, error) {
	b, err := h.registry.GetBundle(name)
	if err != nil {
		return BundleStatus{}, err
	}
	handlers, err := h.registry.HandlerCount(name)
	if err != nil {
		return BundleStatus{}, err
	}

	st := BundleStatus{Name: name, Handlers: handlers}
	if cert, ok := b.(*appcontext.CertAndKey); ok {
		leaf := cert.TLS.Leaf
		notAfter := leaf.NotAfter
		st.Subject = leaf.Subject.String()
		st.Serial = leaf.SerialNumber.String()
		st.DNSNames = leaf.DNSNames
		st.NotAfter = &notAfter
	}
	return st, nil
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, bundleregistry.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, bundleregistry.ErrInvalidArgument):
		status = http.StatusBadRequest
	default:
		h.logger.With("error", err).Error("while serving status")
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.With("error", err).Warn("while writing response")
	}
}

// Serve listens on addr until ctx is done. With a non-nil tlsConfig the
// listener is TLS.
func Serve(ctx context.Context, addr string, handler http.Handler, tlsConfig *tls.Config, logger *zap.SugaredLogger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.With("addr", addr, "tls", tlsConfig != nil).Info("status api listening")
		if tlsConfig != nil {
			// certificates come from tlsConfig.GetCertificate
			errc <- srv.ListenAndServeTLS("", "")
		} else {
			errc <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "while serving status api")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
