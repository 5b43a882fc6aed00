package appcontext

import (
	"github.com/hashicorp/vault/api"
	"github.com/numtide/cert-registry/bundleregistry"
	"github.com/numtide/cert-registry/metrics"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
)

type AppContext struct {
	KubeClient   kubernetes.Interface
	VaultClient  *api.Client
	Logger       *zap.SugaredLogger
	Registry     *bundleregistry.Registry
	Metrics      *metrics.Metrics
	CertManager  CertManager
	SecretWriter SecretWriter
}
