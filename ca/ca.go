// Package ca implements the proxy's certificate authority: a persisted root
// that signs leaf certificates for intercepted hosts on demand, with a
// bounded cache so repeat connections to the same host don't re-mint.
package ca

import (
	"container/list"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	certFile  = "riftproxy-ca.crt"
	keyFile   = "riftproxy-ca.key"
	leafTTL   = 1000 * 24 * time.Hour
	rootTTL   = 10 * 365 * 24 * time.Hour
	leafCapDefault = 1000
)

// ErrNoCA is returned by operations that require a minted/loaded root when
// none is available yet.
var ErrNoCA = errors.New("ca: no certificate authority material")

// Authority mints and caches leaf certificates signed by a persisted root.
// The leaf cache is a bounded LRU: an entry currently in use (RefCount > 0)
// is never evicted, so a live connection never loses the leaf it is
// holding.
type Authority struct {
	mu       sync.Mutex
	dir      string
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
	spki     string

	cap     int
	ll      *list.List // front = most recently used
	entries map[string]*list.Element
}

type leafEntry struct {
	host     string
	cert     *tls.Certificate
	expires  time.Time
	refCount int
}

// New loads an existing root from dir, or mints a fresh one and persists it
// if none exists. dir is created if missing.
func New(dir string) (*Authority, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("ca: creating config dir: %w", err)
	}
	a := &Authority{
		dir:     dir,
		cap:     leafCapDefault,
		ll:      list.New(),
		entries: make(map[string]*list.Element),
	}

	if a.HasCA() {
		cert, key, err := loadCertAndKey(dir)
		if err != nil {
			return nil, fmt.Errorf("ca: loading existing authority: %w", err)
		}
		a.rootCert = cert
		a.rootKey = key
		a.spki = spkiHash(cert)
		return a, nil
	}

	cert, key, err := generateRoot()
	if err != nil {
		return nil, fmt.Errorf("ca: generating authority: %w", err)
	}
	if err := saveCertAndKey(cert, key, dir); err != nil {
		return nil, fmt.Errorf("ca: persisting authority: %w", err)
	}
	a.rootCert = cert
	a.rootKey = key
	a.spki = spkiHash(cert)
	return a, nil
}

// HasCA reports whether root material is already persisted in dir.
func (a *Authority) HasCA() bool {
	return Exists(a.dir)
}

// Exists reports whether CA material is already persisted in dir, without
// loading or generating anything. Callers use this ahead of New to decide
// whether to emit a "missing" event before the generate-on-first-start path
// runs.
func Exists(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, certFile)); err != nil {
		return false
	}
	if _, err := os.Stat(filepath.Join(dir, keyFile)); err != nil {
		return false
	}
	return true
}

// GetCAMaterial returns the root certificate (DER) and its SPKI hash.
func (a *Authority) GetCAMaterial() (der []byte, spkiHashB64 string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rootCert == nil {
		return nil, "", ErrNoCA
	}
	return a.rootCert.Raw, a.spki, nil
}

// RootCert returns the parsed root certificate, for wiring into an upstream
// client trust store or a martian mitm.Config.
func (a *Authority) RootCert() *x509.Certificate { return a.rootCert }

// RootKey returns the root's private key, for wiring into martian's mitm.Config.
func (a *Authority) RootKey() *rsa.PrivateKey { return a.rootKey }

// LeafFor returns a leaf certificate for host, minting and caching one if
// needed. Callers must call Release(host) once the connection using it is
// done, so the entry becomes evictable again.
func (a *Authority) LeafFor(host string) (*tls.Certificate, error) {
	a.mu.Lock()
	if el, ok := a.entries[host]; ok {
		e := el.Value.(*leafEntry)
		if time.Now().Before(e.expires) {
			a.ll.MoveToFront(el)
			e.refCount++
			a.mu.Unlock()
			return e.cert, nil
		}
		// expired: drop and re-mint below
		a.ll.Remove(el)
		delete(a.entries, host)
	}
	a.mu.Unlock()

	cert, err := a.mintLeaf(host)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.evictIfNeededLocked()
	e := &leafEntry{host: host, cert: cert, expires: time.Now().Add(leafTTL), refCount: 1}
	el := a.ll.PushFront(e)
	a.entries[host] = el
	return cert, nil
}

// Release decrements the reference count for host's cached leaf, allowing it
// to be evicted once unused.
func (a *Authority) Release(host string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	el, ok := a.entries[host]
	if !ok {
		return
	}
	e := el.Value.(*leafEntry)
	if e.refCount > 0 {
		e.refCount--
	}
}

// evictIfNeededLocked evicts least-recently-used entries with refCount == 0
// until the cache is under capacity. Entries in use are never evicted, even
// if that means temporarily exceeding cap.
func (a *Authority) evictIfNeededLocked() {
	for a.ll.Len() >= a.cap {
		victim := a.ll.Back()
		evicted := false
		for el := victim; el != nil; el = el.Prev() {
			e := el.Value.(*leafEntry)
			if e.refCount == 0 {
				a.ll.Remove(el)
				delete(a.entries, e.host)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}

func (a *Authority) mintLeaf(host string) (*tls.Certificate, error) {
	a.mu.Lock()
	rootCert, rootKey := a.rootCert, a.rootKey
	a.mu.Unlock()
	if rootCert == nil || rootKey == nil {
		return nil, ErrNoCA
	}

	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("ca: generating leaf key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("ca: generating serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(leafTTL),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, rootCert, &leafKey.PublicKey, rootKey)
	if err != nil {
		return nil, fmt.Errorf("ca: signing leaf for %s: %w", host, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, rootCert.Raw},
		PrivateKey:  leafKey,
	}, nil
}

func generateRoot() (*x509.Certificate, *rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("generating root key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generating root serial: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "riftproxy", Organization: []string{"riftproxy"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(rootTTL),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("self-signing root: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing freshly minted root: %w", err)
	}
	return cert, key, nil
}

func spkiHash(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func saveCertAndKey(cert *x509.Certificate, priv *rsa.PrivateKey, dir string) error {
	certOut, err := os.Create(filepath.Join(dir, certFile))
	if err != nil {
		return fmt.Errorf("opening cert file: %w", err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}); err != nil {
		return fmt.Errorf("writing cert: %w", err)
	}

	keyOut, err := os.Create(filepath.Join(dir, keyFile))
	if err != nil {
		return fmt.Errorf("opening key file: %w", err)
	}
	defer keyOut.Close()
	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshaling private key: %w", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}); err != nil {
		return fmt.Errorf("writing key: %w", err)
	}
	return nil
}

func loadCertAndKey(dir string) (*x509.Certificate, *rsa.PrivateKey, error) {
	certPEM, err := os.ReadFile(filepath.Join(dir, certFile))
	if err != nil {
		return nil, nil, fmt.Errorf("reading cert file: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, nil, errors.New("decoding cert PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(filepath.Join(dir, keyFile))
	if err != nil {
		return nil, nil, fmt.Errorf("reading key file: %w", err)
	}
	block, _ = pem.Decode(keyPEM)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, nil, errors.New("decoding key PEM block")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, errors.New("root private key is not RSA")
	}
	return cert, key, nil
}
