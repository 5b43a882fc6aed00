package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/vault/api"
	"github.com/numtide/cert-registry/appcontext"
	"github.com/numtide/cert-registry/bundleregistry"
	"github.com/numtide/cert-registry/certmanager"
	"github.com/numtide/cert-registry/event"
	"github.com/numtide/cert-registry/filesource"
	"github.com/numtide/cert-registry/k8sdispatcher"
	"github.com/numtide/cert-registry/metrics"
	"github.com/numtide/cert-registry/secretsink"
	"github.com/numtide/cert-registry/statusapi"
	"github.com/numtide/cert-registry/tlsbundle"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

func main() {

	app := &cli.App{
		Name:  "cert-registry",
		Usage: "keeps rotating TLS bundles in memory and mirrors them to ingress secrets",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "kubeconfig",
				EnvVars: []string{"KUBECONFIG"},
			},
			&cli.StringFlag{
				Name:    "vaultaddr",
				EnvVars: []string{"VAULT_ADDR"},
			},
			&cli.StringFlag{
				Name:    "vault-username",
				EnvVars: []string{"VAULT_USERNAME"},
			},
			&cli.StringFlag{
				Name:    "vault-password",
				EnvVars: []string{"VAULT_PASSWORD"},
			},
			&cli.BoolFlag{
				Name:    "watch-ingresses",
				Usage:   "issue certificates for annotated ingresses and store them as TLS secrets",
				Value:   true,
				EnvVars: []string{"WATCH_INGRESSES"},
			},
			&cli.StringFlag{
				Name:    "namespace",
				Usage:   "namespace to watch, all namespaces if empty",
				Value:   corev1.NamespaceAll,
				EnvVars: []string{"WATCH_NAMESPACE"},
			},
			&cli.StringFlag{
				Name:    "bundles-file",
				Usage:   "YAML file declaring bundles read from disk, reloaded on SIGHUP",
				EnvVars: []string{"BUNDLES_FILE"},
			},
			&cli.StringFlag{
				Name:    "status-addr",
				Value:   ":9090",
				EnvVars: []string{"STATUS_ADDR"},
			},
			&cli.StringFlag{
				Name:    "status-bundle",
				Usage:   "serve the status api over TLS using this bundle",
				EnvVars: []string{"STATUS_BUNDLE"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Action: run,
	}
	app.RunAndExitOnError()

}

func run(c *cli.Context) error {
	lc := zap.NewProductionConfig()
	lc.EncoderConfig.TimeKey = "timestamp"
	lc.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	lc.OutputPaths = []string{"stdout"}
	if err := lc.Level.UnmarshalText([]byte(c.String("log-level"))); err != nil {
		return errors.Wrap(err, "while parsing log level")
	}

	z, err := lc.Build()
	if err != nil {
		return errors.Wrap(err, "while creating logger")
	}
	defer z.Sync() // nolint:errcheck

	logger := z.Sugar()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promRegistry)

	appContext := appcontext.AppContext{
		Logger:   logger,
		Metrics:  m,
		Registry: bundleregistry.New(logger, bundleregistry.WithObserver(m)),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if path := c.String("bundles-file"); path != "" {
		source := filesource.New(path, appContext)
		if err := source.Reload(); err != nil {
			return errors.Wrap(err, "while loading bundles file")
		}
		g.Go(func() error {
			reloadOnHangup(ctx, source, logger)
			return nil
		})
	}

	var tlsConfig *tls.Config
	if name := c.String("status-bundle"); name != "" {
		if _, err := appContext.Registry.GetBundle(name); err != nil {
			return errors.Wrap(err, "while looking up status bundle")
		}
		tlsConfig = tlsbundle.ServerConfig(appContext.Registry, name)
	}

	if c.Bool("watch-ingresses") {
		cm, err := startIngressPipeline(ctx, c, g, &appContext)
		if err != nil {
			return err
		}
		defer cm.Close()
	}

	if addr := c.String("status-addr"); addr != "" {
		handler := statusapi.New(appContext, promRegistry).Router()
		g.Go(func() error {
			return statusapi.Serve(ctx, addr, handler, tlsConfig, logger)
		})
	}

	err = g.Wait()
	logger.Info("shutting down")
	return err
}

func startIngressPipeline(ctx context.Context, c *cli.Context, g *errgroup.Group, appContext *appcontext.AppContext) (*certmanager.CertManager, error) {
	vc, err := newVaultClient(c)
	if err != nil {
		return nil, err
	}
	appContext.VaultClient = vc

	config, err := clientcmd.BuildConfigFromFlags("", c.String("kubeconfig"))
	if err != nil {
		return nil, errors.Wrap(err, "while creating k8s cluster config")
	}

	kubeclient, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, errors.Wrap(err, "while creating k8s client")
	}

	appContext.KubeClient = kubeclient

	writer := secretsink.New(*appContext)
	cm := certmanager.New(*appContext, certmanager.WithUpdateHandlers(writer.HandlerFor))

	appContext.CertManager = cm
	appContext.SecretWriter = writer

	eventChannel := make(chan event.Event)
	dispatchContext := *appContext

	g.Go(func() error {
		k8sdispatcher.WatchForever(ctx, kubeclient, c.String("namespace"), eventChannel, appContext.Logger)
		return nil
	})
	g.Go(func() error {
		k8sdispatcher.Dispatch(ctx, eventChannel, dispatchContext)
		return nil
	})

	return cm, nil
}

func newVaultClient(c *cli.Context) (*api.Client, error) {
	cfg := api.DefaultConfig()
	if addr := c.String("vaultaddr"); addr != "" {
		cfg.Address = addr
	}

	vc, err := api.NewClient(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "while creating vault client")
	}

	if c.String("vault-username") == "" {
		// token from VAULT_TOKEN
		return vc, nil
	}

	// to pass the password
	options := map[string]interface{}{
		"password": c.String("vault-password"),
	}
	path := fmt.Sprintf("auth/userpass/login/%s", c.String("vault-username"))

	// PUT call to get a token
	secret, err := vc.Logical().Write(path, options)
	if err != nil {
		return nil, errors.Wrap(err, "while logging in to vault")
	}

	if secret == nil || secret.Auth == nil {
		return nil, errors.New("vault login returned no token")
	}

	vc.SetToken(secret.Auth.ClientToken)

	return vc, nil
}

func reloadOnHangup(ctx context.Context, source *filesource.Source, logger *zap.SugaredLogger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := source.Reload(); err != nil {
				logger.With("error", err).Error("while reloading bundles file")
				continue
			}
			logger.Info("bundles file reloaded")
		}
	}
}
