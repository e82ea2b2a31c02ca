package tls

import (
	"crypto/tls"
	"fmt"
	"os"
	"sync"

	"risk-auth-service/internal/config"
	"risk-auth-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
)

// TLSManager picks the server certificate: ACME first, then the configured
// key pair, then a self-signed development certificate.
type TLSManager struct {
	config   *TLSConfig
	autoCert *autocert.Manager

	mu       sync.Mutex
	fileCert *tls.Certificate
	devCert  *tls.Certificate
}

type TLSConfig struct {
	EnableTLS   bool
	AutoCert    bool
	Domain      string
	CertFile    string
	KeyFile     string
	AutoCertDir string
	Email       string
	Environment string
}

// ConfigFromServer maps the server section of the application config.
func ConfigFromServer(cfg *config.Config) *TLSConfig {
	return &TLSConfig{
		EnableTLS:   cfg.Server.EnableTLS,
		AutoCert:    cfg.Server.AutoCert,
		Domain:      cfg.Server.Domain,
		CertFile:    cfg.Server.CertFile,
		KeyFile:     cfg.Server.KeyFile,
		AutoCertDir: cfg.Server.AutoCertDir,
		Email:       cfg.Server.Email,
		Environment: cfg.Environment,
	}
}

func NewTLSManager(config *TLSConfig) *TLSManager {
	manager := &TLSManager{
		config: config,
	}

	if config.AutoCert && config.EnableTLS {
		manager.setupAutoCert()
	}

	return manager
}

func (m *TLSManager) setupAutoCert() {
	if err := os.MkdirAll(m.config.AutoCertDir, 0700); err != nil {
		util.Warn("Could not create autocert directory", zap.Error(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.config.Domain),
		Cache:      autocert.DirCache(m.config.AutoCertDir),
		Email:      m.config.Email,
	}

	util.Info("AutoCert configured",
		zap.String("domain", m.config.Domain),
		zap.String("cache_dir", m.config.AutoCertDir))
}

func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		cert, err := m.autoCert.GetCertificate(hello)
		if err == nil {
			return cert, nil
		}
		util.Warn("AutoCert certificate unavailable, falling back",
			zap.String("server_name", hello.ServerName), zap.Error(err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.CertFile != "" && m.config.KeyFile != "" {
		if m.fileCert == nil {
			cert, err := tls.LoadX509KeyPair(m.config.CertFile, m.config.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("load certificate %s: %w", m.config.CertFile, err)
			}
			m.fileCert = &cert
		}
		return m.fileCert, nil
	}

	if m.config.Environment == "production" {
		return nil, fmt.Errorf("no certificate available for %q", hello.ServerName)
	}
	if m.devCert == nil {
		cert, err := m.generateSelfSignedCert()
		if err != nil {
			return nil, err
		}
		m.devCert = cert
	}
	return m.devCert, nil
}

func (m *TLSManager) generateSelfSignedCert() (*tls.Certificate, error) {
	generator := NewDevCertGenerator(m.config.AutoCertDir)
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if m.config.Domain != "" && m.config.Domain != "localhost" {
		hosts = append([]string{m.config.Domain}, hosts...)
	}

	cert, err := generator.GenerateCert(hosts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	return &cert, nil
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

func (m *TLSManager) GetAutocertManager() *autocert.Manager {
	return m.autoCert
}
