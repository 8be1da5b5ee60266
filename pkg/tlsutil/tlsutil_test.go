package tlsutil_test

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xonfour/horizont-sub000/errors"
	"github.com/xonfour/horizont-sub000/pkg/tlsutil"
	"github.com/xonfour/horizont-sub000/testutil"
)

func TestParseServerConfig(t *testing.T) {
	cfg, err := tlsutil.ParseServerConfig(map[string]string{})
	require.NoError(t, err)
	assert.False(t, cfg.Enabled())

	cfg, err = tlsutil.ParseServerConfig(map[string]string{
		"tls.cert_file":           "/etc/horizont/cert.pem",
		"tls.key_file":            "/etc/horizont/key.pem",
		"tls.min_version":         "1.3",
		"tls.client_ca_files":     "a.pem, b.pem",
		"tls.require_client_cert": "true",
		"tls.allowed_client_cns":  "ops",
	})
	require.NoError(t, err)
	assert.True(t, cfg.Enabled())
	assert.Equal(t, []string{"a.pem", "b.pem"}, cfg.ClientCAFiles)
	assert.True(t, cfg.RequireClientCert)
	assert.Equal(t, []string{"ops"}, cfg.AllowedClientCNs)

	cfg, err = tlsutil.ParseServerConfig(map[string]string{
		"tls.acme.directory_url": "https://ca.internal/acme/directory",
		"tls.acme.email":         "ops@horizont.local",
		"tls.acme.domains":       "horizont.local",
		"tls.acme.storage_path":  t.TempDir(),
		"tls.acme.renew_before":  "12h",
	})
	require.NoError(t, err)
	assert.True(t, cfg.Enabled())
	assert.Equal(t, "12h0m0s", cfg.ACME.RenewBefore.String())

	for _, bad := range []map[string]string{
		{"tls.cert_file": "c.pem"},
		{"tls.min_version": "1.0"},
		{"tls.require_client_cert": "maybe"},
		{"tls.acme.directory_url": "https://ca.internal/acme/directory"},
		{"tls.acme.renew_before": "soon"},
	} {
		_, err := tlsutil.ParseServerConfig(bad)
		assert.True(t, errors.Is(err, errors.ErrInvalidConfig), bad)
	}
}

func TestParseClientConfig(t *testing.T) {
	cfg, err := tlsutil.ParseClientConfig(map[string]string{
		"tls.ca_files":             "ca.pem",
		"tls.insecure_skip_verify": "true",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ca.pem"}, cfg.CAFiles)
	assert.True(t, cfg.InsecureSkipVerify)

	_, err = tlsutil.ParseClientConfig(map[string]string{"tls.key_file": "k.pem"})
	assert.Error(t, err)
}

func TestLoadServerTLSConfig(t *testing.T) {
	ctx := context.Background()

	tlsConfig, stop, err := tlsutil.LoadServerTLSConfig(ctx, tlsutil.ServerConfig{}, nil)
	require.NoError(t, err)
	assert.Nil(t, tlsConfig, "disabled")
	stop()

	certFile, keyFile := testutil.WriteSelfSignedCert(t, "server")
	tlsConfig, stop, err = tlsutil.LoadServerTLSConfig(ctx, tlsutil.ServerConfig{
		CertFile: certFile, KeyFile: keyFile, MinVersion: "1.3",
	}, nil)
	require.NoError(t, err)
	defer stop()
	require.Len(t, tlsConfig.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS13), tlsConfig.MinVersion)
	assert.Equal(t, tls.NoClientCert, tlsConfig.ClientAuth)

	_, _, err = tlsutil.LoadServerTLSConfig(ctx, tlsutil.ServerConfig{CertFile: certFile, KeyFile: certFile}, nil)
	assert.Error(t, err)
}

func TestACMEFallsBackToManualCertificate(t *testing.T) {
	certFile, keyFile := testutil.WriteSelfSignedCert(t, "server")
	cfg, err := tlsutil.ParseServerConfig(map[string]string{
		"tls.cert_file":          certFile,
		"tls.key_file":           keyFile,
		"tls.acme.directory_url": "http://127.0.0.1:1/directory",
		"tls.acme.email":         "ops@horizont.local",
		"tls.acme.domains":       "horizont.local",
		"tls.acme.storage_path":  t.TempDir(),
	})
	require.NoError(t, err)

	tlsConfig, stop, err := tlsutil.LoadServerTLSConfig(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer stop()
	assert.Len(t, tlsConfig.Certificates, 1)
}

func TestMutualTLS(t *testing.T) {
	serverCert, serverKey := testutil.WriteSelfSignedCert(t, "server")
	clientCert, clientKey := testutil.WriteSelfSignedCert(t, "ops")
	otherCert, otherKey := testutil.WriteSelfSignedCert(t, "intruder")

	serverTLS, stop, err := tlsutil.LoadServerTLSConfig(context.Background(), tlsutil.ServerConfig{
		CertFile:          serverCert,
		KeyFile:           serverKey,
		ClientCAFiles:     []string{clientCert, otherCert},
		RequireClientCert: true,
		AllowedClientCNs:  []string{"ops"},
	}, nil)
	require.NoError(t, err)
	defer stop()
	assert.Equal(t, tls.RequireAndVerifyClientCert, serverTLS.ClientAuth)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	srv.TLS = serverTLS
	srv.StartTLS()
	defer srv.Close()

	get := func(cfg tlsutil.ClientConfig) error {
		clientTLS, err := tlsutil.LoadClientTLSConfig(cfg)
		require.NoError(t, err)
		client := &http.Client{Transport: &http.Transport{TLSClientConfig: clientTLS}}
		resp, err := client.Get(srv.URL)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}

	assert.NoError(t, get(tlsutil.ClientConfig{CAFiles: []string{serverCert}, CertFile: clientCert, KeyFile: clientKey}))
	assert.Error(t, get(tlsutil.ClientConfig{CAFiles: []string{serverCert}}), "certificate required")
	assert.Error(t, get(tlsutil.ClientConfig{CAFiles: []string{serverCert}, CertFile: otherCert, KeyFile: otherKey}), "CN not allowed")
	assert.Error(t, get(tlsutil.ClientConfig{CertFile: clientCert, KeyFile: clientKey}), "server not trusted")
}

func TestLoadClientTLSConfigErrors(t *testing.T) {
	_, err := tlsutil.LoadClientTLSConfig(tlsutil.ClientConfig{CAFiles: []string{"/nonexistent/ca.pem"}})
	assert.Error(t, err)

	certFile, _ := testutil.WriteSelfSignedCert(t, "client")
	_, err = tlsutil.LoadClientTLSConfig(tlsutil.ClientConfig{CertFile: certFile, KeyFile: certFile})
	assert.Error(t, err)

	cfg, err := tlsutil.LoadClientTLSConfig(tlsutil.ClientConfig{InsecureSkipVerify: true})
	require.NoError(t, err)
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
}
