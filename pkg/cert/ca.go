// Package cert provides the local certificate authority that backs the HTTPS
// tunnel adapter: relay-domain HTTPS is terminated with certificates issued
// here, never with upstream ones.
package cert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	caCertName = "ca.crt"
	caKeyName  = "ca.key"
	rsaBits    = 2048
)

// CA issues per-domain leaf certificates signed by a locally persisted root.
type CA struct {
	dir    string
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey

	mu    sync.RWMutex
	cache map[string]*tls.Certificate
}

// New loads the CA from dir, creating a fresh root when none exists.
func New(dir string) (*CA, error) {
	ca := &CA{
		dir:   dir,
		cache: make(map[string]*tls.Certificate),
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create CA directory: %w", err)
	}

	if _, err := os.Stat(filepath.Join(dir, caCertName)); os.IsNotExist(err) {
		if err := ca.create(); err != nil {
			return nil, fmt.Errorf("create CA: %w", err)
		}
	} else if err := ca.load(); err != nil {
		return nil, fmt.Errorf("load CA: %w", err)
	}
	return ca, nil
}

func (ca *CA) create() error {
	key, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return fmt.Errorf("generate CA key: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"relaybridge CA"},
			CommonName:   "relaybridge root",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parse CA certificate: %w", err)
	}

	ca.caCert = cert
	ca.caKey = key

	if err := writePEM(filepath.Join(ca.dir, caCertName), "CERTIFICATE", der); err != nil {
		return err
	}
	return writePEM(filepath.Join(ca.dir, caKeyName), "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key))
}

func (ca *CA) load() error {
	certDER, err := readPEM(filepath.Join(ca.dir, caCertName))
	if err != nil {
		return err
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parse CA certificate: %w", err)
	}

	keyDER, err := readPEM(filepath.Join(ca.dir, caKeyName))
	if err != nil {
		return err
	}
	key, err := x509.ParsePKCS1PrivateKey(keyDER)
	if err != nil {
		return fmt.Errorf("parse CA key: %w", err)
	}

	ca.caCert = cert
	ca.caKey = key
	return nil
}

// CertForDomain returns a leaf certificate for the domain, issuing and caching
// one on first use. The SAN set covers the domain and its wildcard sibling so
// one certificate serves a whole relay-domain suffix.
func (ca *CA) CertForDomain(domain string) (*tls.Certificate, error) {
	ca.mu.RLock()
	if cert, ok := ca.cache[domain]; ok {
		ca.mu.RUnlock()
		return cert, nil
	}
	ca.mu.RUnlock()

	cert, err := ca.issue(domain)
	if err != nil {
		return nil, err
	}

	ca.mu.Lock()
	ca.cache[domain] = cert
	ca.mu.Unlock()
	return cert, nil
}

func (ca *CA) issue(domain string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return nil, fmt.Errorf("generate key for %s: %w", domain, err)
	}

	names := []string{domain}
	if !strings.HasPrefix(domain, "*.") {
		names = append(names, "*."+domain)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			Organization: []string{"relaybridge"},
			CommonName:   domain,
		},
		DNSNames:              names,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, ca.caCert, &key.PublicKey, ca.caKey)
	if err != nil {
		return nil, fmt.Errorf("issue certificate for %s: %w", domain, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}

// ServerTLSConfig builds a server-side TLS config presenting the domain's
// locally issued certificate.
func (ca *CA) ServerTLSConfig(domain string) (*tls.Config, error) {
	cert, err := ca.CertForDomain(domain)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		ServerName:   domain,
	}, nil
}

// CertPath returns the location of the root certificate for client trust
// installation.
func (ca *CA) CertPath() string {
	return filepath.Join(ca.dir, caCertName)
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: der})
}

func readPEM(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	return block.Bytes, nil
}
