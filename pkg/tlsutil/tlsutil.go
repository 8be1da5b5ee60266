// Package tlsutil builds TLS configurations for the HTTP endpoints and
// clients of control interfaces from their component settings.
//
// Server settings:
//
//	tls.cert_file, tls.key_file     certificate and key (manual mode)
//	tls.min_version                 "1.2" (default) or "1.3"
//	tls.client_ca_files             comma separated CAs enabling mTLS
//	tls.require_client_cert         "true" rejects clients without certificate
//	tls.allowed_client_cns          comma separated CN allow list
//	tls.acme.directory_url          enables ACME mode
//	tls.acme.email, tls.acme.domains, tls.acme.storage_path,
//	tls.acme.challenge, tls.acme.renew_before, tls.acme.ca_bundle
//
// Client settings:
//
//	tls.ca_files                    additional trusted CAs
//	tls.insecure_skip_verify        development only
//	tls.min_version
//	tls.cert_file, tls.key_file     client certificate for mTLS
package tlsutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/xonfour/horizont-sub000/errors"
	"github.com/xonfour/horizont-sub000/pkg/acme"
)

const prefix = "tls."

// renewalInterval is how often ACME certificates are checked for renewal
const renewalInterval = time.Hour

// ServerConfig configures TLS for an HTTP endpoint
type ServerConfig struct {
	CertFile   string
	KeyFile    string
	MinVersion string

	ClientCAFiles     []string
	RequireClientCert bool
	AllowedClientCNs  []string

	ACME acme.Config
}

// Enabled reports whether the endpoint serves TLS
func (c ServerConfig) Enabled() bool {
	return c.CertFile != "" || c.ACME.Enabled()
}

// ClientConfig configures TLS for outbound requests
type ClientConfig struct {
	CAFiles            []string
	InsecureSkipVerify bool
	MinVersion         string
	CertFile           string
	KeyFile            string
}

func list(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func flag(settings map[string]string, key string) (bool, error) {
	v, ok := settings[prefix+key]
	if !ok {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.WrapInvalid(
			fmt.Errorf("%w: %s%s=%q", errors.ErrInvalidConfig, prefix, key, v),
			"tlsutil", "Parse", "parse flag")
	}
	return b, nil
}

func checkVersion(v string) error {
	switch v {
	case "", "1.2", "1.3":
		return nil
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: unsupported TLS version %q", errors.ErrInvalidConfig, v),
			"tlsutil", "Parse", "check min_version")
	}
}

// ParseServerConfig reads the tls.* server settings
func ParseServerConfig(settings map[string]string) (ServerConfig, error) {
	cfg := ServerConfig{
		CertFile:         settings[prefix+"cert_file"],
		KeyFile:          settings[prefix+"key_file"],
		MinVersion:       settings[prefix+"min_version"],
		ClientCAFiles:    list(settings[prefix+"client_ca_files"]),
		AllowedClientCNs: list(settings[prefix+"allowed_client_cns"]),
		ACME: acme.Config{
			DirectoryURL:  settings[prefix+"acme.directory_url"],
			Email:         settings[prefix+"acme.email"],
			Domains:       list(settings[prefix+"acme.domains"]),
			ChallengeType: settings[prefix+"acme.challenge"],
			StoragePath:   settings[prefix+"acme.storage_path"],
			CABundle:      settings[prefix+"acme.ca_bundle"],
		},
	}
	var err error
	if cfg.RequireClientCert, err = flag(settings, "require_client_cert"); err != nil {
		return cfg, err
	}
	if v := settings[prefix+"acme.renew_before"]; v != "" {
		if cfg.ACME.RenewBefore, err = time.ParseDuration(v); err != nil {
			return cfg, errors.WrapInvalid(
				fmt.Errorf("%w: renew_before %q", errors.ErrInvalidConfig, v),
				"tlsutil", "ParseServerConfig", "parse renew_before")
		}
	}
	if err := checkVersion(cfg.MinVersion); err != nil {
		return cfg, err
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return cfg, errors.WrapInvalid(
			fmt.Errorf("%w: cert_file and key_file go together", errors.ErrInvalidConfig),
			"tlsutil", "ParseServerConfig", "check certificate")
	}
	if cfg.ACME.Enabled() {
		if err := cfg.ACME.Validate(); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// ParseClientConfig reads the tls.* client settings
func ParseClientConfig(settings map[string]string) (ClientConfig, error) {
	cfg := ClientConfig{
		CAFiles:    list(settings[prefix+"ca_files"]),
		MinVersion: settings[prefix+"min_version"],
		CertFile:   settings[prefix+"cert_file"],
		KeyFile:    settings[prefix+"key_file"],
	}
	var err error
	if cfg.InsecureSkipVerify, err = flag(settings, "insecure_skip_verify"); err != nil {
		return cfg, err
	}
	if err := checkVersion(cfg.MinVersion); err != nil {
		return cfg, err
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return cfg, errors.WrapInvalid(
			fmt.Errorf("%w: cert_file and key_file go together", errors.ErrInvalidConfig),
			"tlsutil", "ParseClientConfig", "check certificate")
	}
	return cfg, nil
}

// LoadServerTLSConfig returns the tls.Config of an endpoint, or nil when TLS
// is disabled. In ACME mode the certificate is obtained before returning and
// renewed in the background until stop is called; when ACME fails and a
// manual certificate is configured, the manual one is served instead.
func LoadServerTLSConfig(ctx context.Context, cfg ServerConfig, logger *slog.Logger) (*tls.Config, func(), error) {
	noop := func() {}
	if !cfg.Enabled() {
		return nil, noop, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	if !cfg.ACME.Enabled() {
		tlsConfig, err := loadManual(cfg)
		return tlsConfig, noop, err
	}

	client, err := acme.NewClient(cfg.ACME, logger)
	if err == nil {
		_, err = client.Certificate(ctx)
	}
	if err != nil {
		if cfg.CertFile == "" {
			return nil, noop, err
		}
		logger.Warn("ACME unavailable, serving the configured certificate", "error", err)
		tlsConfig, err := loadManual(cfg)
		return tlsConfig, noop, err
	}

	tlsConfig := &tls.Config{
		GetCertificate: client.GetCertificate,
		MinVersion:     parseTLSVersion(cfg.MinVersion),
	}
	if err := applyMTLS(tlsConfig, cfg); err != nil {
		return nil, noop, err
	}

	renewCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.Run(renewCtx, renewalInterval)
	}()
	return tlsConfig, func() {
		cancel()
		<-done
	}, nil
}

func loadManual(cfg ServerConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServerTLSConfig", "load certificate")
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseTLSVersion(cfg.MinVersion),
	}
	if err := applyMTLS(tlsConfig, cfg); err != nil {
		return nil, err
	}
	return tlsConfig, nil
}

func applyMTLS(tlsConfig *tls.Config, cfg ServerConfig) error {
	if len(cfg.ClientCAFiles) == 0 {
		return nil
	}
	pool := x509.NewCertPool()
	if err := appendPEMFiles(pool, cfg.ClientCAFiles); err != nil {
		return err
	}
	tlsConfig.ClientCAs = pool
	tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	if cfg.RequireClientCert {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	if len(cfg.AllowedClientCNs) > 0 {
		allowed := cfg.AllowedClientCNs
		tlsConfig.VerifyPeerCertificate = func(_ [][]byte, chains [][]*x509.Certificate) error {
			return verifyAllowedClientCN(chains, allowed)
		}
	}
	return nil
}

// verifyAllowedClientCN accepts no client certificate at all, since
// RequireClientCert decides whether one is needed
func verifyAllowedClientCN(chains [][]*x509.Certificate, allowed []string) error {
	if len(chains) == 0 {
		return nil
	}
	cn := chains[0][0].Subject.CommonName
	for _, a := range allowed {
		if cn == a {
			return nil
		}
	}
	return fmt.Errorf("client certificate CN %q not allowed", cn)
}

// LoadClientTLSConfig returns the tls.Config for outbound requests. The
// system CA pool is always trusted; CAFiles are added to it.
func LoadClientTLSConfig(cfg ClientConfig) (*tls.Config, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if err := appendPEMFiles(pool, cfg.CAFiles); err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		RootCAs:            pool,
		MinVersion:         parseTLSVersion(cfg.MinVersion),
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // explicit operator choice
	}
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func appendPEMFiles(pool *x509.CertPool, files []string) error {
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return errors.WrapFatal(err, "tlsutil", "appendPEMFiles", "read CA file "+file)
		}
		if !pool.AppendCertsFromPEM(data) {
			return errors.WrapFatal(
				fmt.Errorf("%w: no certificates in %s", errors.ErrInvalidConfig, file),
				"tlsutil", "appendPEMFiles", "parse CA file")
		}
	}
	return nil
}

// parseTLSVersion defaults to TLS 1.2
func parseTLSVersion(version string) uint16 {
	if version == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
