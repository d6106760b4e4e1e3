package server

import (
	"net/http"
	"testing"

	"smallbiznis-licensing/pkg/config"

	"github.com/stretchr/testify/require"
)

func TestNewHttpServer(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.Addr = "9090"

	srv, err := NewHttpServer(Params{Config: cfg, Handler: http.NotFoundHandler()})
	require.NoError(t, err)
	require.Equal(t, ":9090", srv.server.Addr)
	require.Nil(t, srv.server.TLSConfig)

	_, err = srv.getCertificate(nil)
	require.Error(t, err)
}

func TestNewHttpServerRequiresCertificate(t *testing.T) {
	cfg := &config.Config{}
	cfg.TLS.Enable = true
	cfg.TLS.CertPath = t.TempDir() + "/missing.crt"
	cfg.TLS.KeyPath = t.TempDir() + "/missing.key"

	_, err := NewHttpServer(Params{Config: cfg, Handler: http.NotFoundHandler()})
	require.Error(t, err)
}
