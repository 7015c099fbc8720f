package server

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"
)

type TLSConfig struct {
	Cert        string
	Key         string
	ClientCA    string
	RequireMTLS bool
}

// Enabled reports whether a certificate pair is configured.
func (c TLSConfig) Enabled() bool { return c.Cert != "" && c.Key != "" }

// BuildTLS loads the server pair and, with RequireMTLS, the client CA pool.
func BuildTLS(cfg TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("server cert and key required for TLS")
	}
	cert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	out := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if !cfg.RequireMTLS {
		return out, nil
	}
	if cfg.ClientCA == "" {
		return nil, fmt.Errorf("client CA required for mTLS")
	}
	pem, err := os.ReadFile(cfg.ClientCA)
	if err != nil {
		return nil, fmt.Errorf("read client CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("parse client CA certificate")
	}
	out.ClientCAs = pool
	out.ClientAuth = tls.RequireAndVerifyClientCert
	return out, nil
}

// RequireClientCert rejects requests that arrive without a verified client
// certificate and tags the rest with the certificate subject.
func RequireClientCert(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			http.Error(w, "client certificate required", http.StatusUnauthorized)
			return
		}
		cert := r.TLS.PeerCertificates[0]
		r.Header.Set("X-Client-Subject", cert.Subject.String())
		r.Header.Set("X-Client-Serial", cert.SerialNumber.String())
		next.ServeHTTP(w, r)
	})
}

// ListenAndServeTLS serves HTTPS, with client certificates when configured.
func (s *Server) ListenAndServeTLS(addr string, cfg TLSConfig) error {
	tlsConfig, err := BuildTLS(cfg)
	if err != nil {
		return err
	}
	handler := s.Handler()
	if cfg.RequireMTLS {
		handler = RequireClientCert(handler)
	}
	srv := s.setServer(&http.Server{
		Addr:              addr,
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	})
	s.Logger.Info().Str("addr", addr).Bool("mtls_required", cfg.RequireMTLS).Msg("Serving with TLS")
	return srv.ListenAndServeTLS("", "")
}
