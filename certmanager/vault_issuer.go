package certmanager

import (
	"context"
	"strings"

	"github.com/hashicorp/vault/api"
	"github.com/numtide/cert-registry/appcontext"
	"github.com/pkg/errors"
)

// Issuer produces fresh certificates for a domain.
type Issuer interface {
	Issue(ctx context.Context, vaultPath, domain string) (*appcontext.CertAndKey, error)
}

// VaultIssuer issues certificates from a Vault PKI role, vaultPath being
// the role's issue endpoint, e.g. pki/issue/web.
type VaultIssuer struct {
	client *api.Client
}

func NewVaultIssuer(client *api.Client) *VaultIssuer {
	return &VaultIssuer{client: client}
}

func (v *VaultIssuer) Issue(ctx context.Context, vaultPath, domain string) (*appcontext.CertAndKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res, err := v.client.Logical().Write(vaultPath, map[string]interface{}{
		"common_name": domain,
	})
	if err != nil {
		return nil, errors.Wrap(err, "while getting certificate")
	}
	if res == nil || res.Data == nil {
		return nil, errors.Errorf("vault returned no data for %s", vaultPath)
	}

	certPEM, ok := res.Data["certificate"].(string)
	if !ok {
		return nil, errors.New("vault response has no certificate")
	}
	privateKeyPEM, ok := res.Data["private_key"].(string)
	if !ok {
		return nil, errors.New("vault response has no private_key")
	}

	chain := []string{strings.TrimSpace(certPEM)}
	if caChain, ok := res.Data["ca_chain"].([]interface{}); ok && len(caChain) > 0 {
		for _, c := range caChain {
			if s, ok := c.(string); ok {
				chain = append(chain, strings.TrimSpace(s))
			}
		}
	} else if issuingCA, ok := res.Data["issuing_ca"].(string); ok && issuingCA != "" {
		chain = append(chain, strings.TrimSpace(issuingCA))
	}

	return appcontext.ParseCertAndKey(strings.Join(chain, "\n")+"\n", privateKeyPEM)
}
