// Package acme obtains and renews TLS certificates from an ACME directory,
// for instance a step-ca instance or Let's Encrypt, for the HTTP endpoints of
// control interfaces.
package acme

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/challenge/tlsalpn01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/xonfour/horizont-sub000/errors"
)

// Challenge types
const (
	ChallengeHTTP01    = "http-01"
	ChallengeTLSALPN01 = "tls-alpn-01"
)

const (
	accountFile = "account.json"
	accountKey  = "account.key"
	certFile    = "certificate.pem"
	certKeyFile = "certificate.key"
)

// Config holds the ACME client configuration
type Config struct {
	DirectoryURL  string
	Email         string
	Domains       []string
	ChallengeType string
	RenewBefore   time.Duration
	// StoragePath keeps the account and the issued certificate across restarts.
	StoragePath string
	// CABundle is an optional CA certificate trusted for the directory.
	CABundle string
}

// Enabled reports whether a directory is configured at all
func (c Config) Enabled() bool { return c.DirectoryURL != "" }

// Validate checks the configuration and fills in defaults
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.WrapInvalid(
			fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
			"acme.Config", "Validate", "check settings")
	}
	switch {
	case c.DirectoryURL == "":
		return invalid("directory_url is required")
	case c.Email == "":
		return invalid("email is required")
	case len(c.Domains) == 0:
		return invalid("at least one domain is required")
	case c.StoragePath == "":
		return invalid("storage_path is required")
	}
	switch c.ChallengeType {
	case "":
		c.ChallengeType = ChallengeHTTP01
	case ChallengeHTTP01, ChallengeTLSALPN01:
	default:
		return invalid("challenge type %q not supported", c.ChallengeType)
	}
	if c.RenewBefore <= 0 {
		c.RenewBefore = 8 * time.Hour
	}
	return nil
}

// Account is the registered ACME account
type Account struct {
	Email        string                 `json:"email"`
	Registration *registration.Resource `json:"registration"`
	key          crypto.PrivateKey
}

// GetEmail implements registration.User
func (a *Account) GetEmail() string { return a.Email }

// GetRegistration implements registration.User
func (a *Account) GetRegistration() *registration.Resource { return a.Registration }

// GetPrivateKey implements registration.User
func (a *Account) GetPrivateKey() crypto.PrivateKey { return a.key }

// Client manages the certificate of one endpoint. The current certificate
// is served through GetCertificate, so renewals apply to new handshakes
// without rebuilding the tls.Config.
type Client struct {
	config  Config
	lego    *lego.Client
	account *Account
	logger  *slog.Logger
	current atomic.Pointer[tls.Certificate]
}

// NewClient loads or registers the account and prepares the challenge
// provider. No certificate is requested yet.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.StoragePath, 0o700); err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", "NewClient", "create storage directory")
	}

	c := &Client{config: cfg, logger: logger.With("acme_directory", cfg.DirectoryURL)}
	if err := c.loadOrCreateAccount(); err != nil {
		return nil, err
	}
	if err := c.initLego(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) path(name string) string {
	return filepath.Join(c.config.StoragePath, name)
}

func (c *Client) loadOrCreateAccount() error {
	data, err := os.ReadFile(c.path(accountFile))
	if os.IsNotExist(err) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return errors.WrapFatal(err, "acme.Client", "loadOrCreateAccount", "generate account key")
		}
		c.account = &Account{Email: c.config.Email, key: key}
		return c.saveAccount()
	}
	if err != nil {
		return errors.WrapFatal(err, "acme.Client", "loadOrCreateAccount", "read account")
	}

	var account Account
	if err := json.Unmarshal(data, &account); err != nil {
		return errors.WrapFatal(err, "acme.Client", "loadOrCreateAccount", "decode account")
	}
	keyData, err := os.ReadFile(c.path(accountKey))
	if err != nil {
		return errors.WrapFatal(err, "acme.Client", "loadOrCreateAccount", "read account key")
	}
	if account.key, err = certcrypto.ParsePEMPrivateKey(keyData); err != nil {
		return errors.WrapFatal(err, "acme.Client", "loadOrCreateAccount", "parse account key")
	}
	c.account = &account
	return nil
}

func (c *Client) saveAccount() error {
	data, err := json.MarshalIndent(c.account, "", "  ")
	if err != nil {
		return errors.WrapFatal(err, "acme.Client", "saveAccount", "encode account")
	}
	if err := os.WriteFile(c.path(accountFile), data, 0o600); err != nil {
		return errors.WrapFatal(err, "acme.Client", "saveAccount", "write account")
	}
	if err := os.WriteFile(c.path(accountKey), certcrypto.PEMEncode(c.account.key), 0o600); err != nil {
		return errors.WrapFatal(err, "acme.Client", "saveAccount", "write account key")
	}
	return nil
}

func (c *Client) initLego() error {
	cfg := lego.NewConfig(c.account)
	cfg.CADirURL = c.config.DirectoryURL
	cfg.Certificate.KeyType = certcrypto.EC256

	if c.config.CABundle != "" {
		pem, err := os.ReadFile(c.config.CABundle)
		if err != nil {
			return errors.WrapFatal(err, "acme.Client", "initLego", "read CA bundle")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return errors.WrapFatal(
				fmt.Errorf("%w: no certificates in %s", errors.ErrInvalidConfig, c.config.CABundle),
				"acme.Client", "initLego", "parse CA bundle")
		}
		cfg.HTTPClient = &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}},
		}
	}

	client, err := lego.NewClient(cfg)
	if err != nil {
		return errors.WrapFatal(err, "acme.Client", "initLego", "create lego client")
	}

	switch c.config.ChallengeType {
	case ChallengeTLSALPN01:
		err = client.Challenge.SetTLSALPN01Provider(tlsalpn01.NewProviderServer("", "443"))
	default:
		err = client.Challenge.SetHTTP01Provider(http01.NewProviderServer("", "80"))
	}
	if err != nil {
		return errors.WrapFatal(err, "acme.Client", "initLego", "set up "+c.config.ChallengeType+" challenge")
	}

	if c.account.Registration == nil {
		reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return errors.WrapTransient(err, "acme.Client", "initLego", "register account")
		}
		c.account.Registration = reg
		if err := c.saveAccount(); err != nil {
			return err
		}
	}

	c.lego = client
	return nil
}

// Certificate returns a valid certificate: the stored one when it is not
// due for renewal, a renewed one, or a freshly obtained one
func (c *Client) Certificate(ctx context.Context) (*tls.Certificate, error) {
	cert, _, err := c.renewIfNeeded(ctx)
	if err == nil && cert != nil {
		c.current.Store(cert)
		return cert, nil
	}
	if err != nil {
		c.logger.Warn("Stored certificate unusable, obtaining a new one", "error", err)
	}

	res, err := c.lego.Certificate.Obtain(certificate.ObtainRequest{Domains: c.config.Domains, Bundle: true})
	if err != nil {
		return nil, errors.WrapTransient(err, "acme.Client", "Certificate", "obtain certificate")
	}
	cert, err = c.store(res)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Certificate obtained", "domains", c.config.Domains)
	return cert, nil
}

// GetCertificate serves the current certificate, see tls.Config.GetCertificate
func (c *Client) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	if cert := c.current.Load(); cert != nil {
		return cert, nil
	}
	return nil, errors.WrapTransient(errors.ErrNotStarted, "acme.Client", "GetCertificate", "serve certificate")
}

// Run checks for due renewals every interval until ctx ends
func (c *Client) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, renewed, err := c.renewIfNeeded(ctx); err != nil {
				c.logger.Warn("Certificate renewal failed", "error", err)
			} else if renewed {
				c.logger.Info("Certificate renewed", "domains", c.config.Domains)
			}
		}
	}
}

// renewIfNeeded returns the stored certificate, renewed when it expires
// within RenewBefore. It returns nil without error when nothing is stored.
func (c *Client) renewIfNeeded(_ context.Context) (*tls.Certificate, bool, error) {
	certPEM, err := os.ReadFile(c.path(certFile))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.WrapFatal(err, "acme.Client", "renewIfNeeded", "read certificate")
	}
	keyPEM, err := os.ReadFile(c.path(certKeyFile))
	if err != nil {
		return nil, false, errors.WrapFatal(err, "acme.Client", "renewIfNeeded", "read private key")
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, false, errors.WrapFatal(err, "acme.Client", "renewIfNeeded", "load certificate")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, false, errors.WrapFatal(err, "acme.Client", "renewIfNeeded", "parse certificate")
	}
	if time.Now().Before(leaf.NotAfter.Add(-c.config.RenewBefore)) {
		return &cert, false, nil
	}

	res, err := c.lego.Certificate.Renew(
		certificate.Resource{Domain: c.config.Domains[0], Certificate: certPEM}, true, false, "")
	if err != nil {
		return nil, false, errors.WrapTransient(err, "acme.Client", "renewIfNeeded", "renew certificate")
	}
	renewed, err := c.store(res)
	if err != nil {
		return nil, false, err
	}
	return renewed, true, nil
}

// store persists an issued certificate and makes it current
func (c *Client) store(res *certificate.Resource) (*tls.Certificate, error) {
	if err := os.WriteFile(c.path(certFile), res.Certificate, 0o644); err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", "store", "write certificate")
	}
	if err := os.WriteFile(c.path(certKeyFile), res.PrivateKey, 0o600); err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", "store", "write private key")
	}
	cert, err := tls.X509KeyPair(res.Certificate, res.PrivateKey)
	if err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", "store", "load certificate")
	}
	c.current.Store(&cert)
	return &cert, nil
}
