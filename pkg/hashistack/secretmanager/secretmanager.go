package secretmanager

import (
	"os"

	vault "github.com/hashicorp/vault-client-go"
	"go.uber.org/fx"
)

// Module provides a Vault client configured from the VAULT_* environment.
// Without VAULT_ADDR no client is provided and config secrets come from the
// config file or environment alone.
var Module = fx.Module("secretmanager", fx.Provide(ProvideVault))

func ProvideVault() (*vault.Client, error) {
	if os.Getenv("VAULT_ADDR") == "" {
		return nil, nil
	}
	return vault.New(vault.WithEnvironment())
}
