package mqtt311

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/youmark/pkcs8"
)

// VerifyMode selects whether the broker certificate is verified.
type VerifyMode int

const (
	// VerifyPeer verifies the broker certificate chain. This is the default.
	VerifyPeer VerifyMode = iota
	// VerifyNone accepts any broker certificate.
	VerifyNone
)

// String returns the OpenSSL style name of the mode.
func (m VerifyMode) String() string {
	switch m {
	case VerifyNone:
		return "VERIFY_NONE"
	case VerifyPeer:
		return "VERIFY_PEER"
	default:
		return "unknown"
	}
}

var (
	ErrTLSModeConflict = errors.New("certificate and pre-shared-key TLS are mutually exclusive")
	ErrTLSVersion      = errors.New("unknown TLS version")
	ErrTLSCipher       = errors.New("unknown cipher suite")
	ErrNoCertificates  = errors.New("no certificates found")
	ErrKeyWithoutCert  = errors.New("certificate and key must be set together")
	ErrUnsupportedKey  = errors.New("unsupported private key format")
	ErrInvalidPSK      = errors.New("pre-shared key must be non-empty hex")
	ErrPSKIdentity     = errors.New("pre-shared key identity required")
)

var tlsVersions = map[string]uint16{
	"tlsv1.3": tls.VersionTLS13,
	"tlsv1.2": tls.VersionTLS12,
	"tlsv1.1": tls.VersionTLS11,
	"tlsv1":   tls.VersionTLS10,
}

// ParseTLSVersion maps "tlsv1.3", "tlsv1.2", "tlsv1.1" or "tlsv1" to its
// crypto/tls constant.
func ParseTLSVersion(name string) (uint16, error) {
	v, ok := tlsVersions[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrTLSVersion, name)
	}
	return v, nil
}

// ParseCipherList parses a colon or comma separated list of IANA cipher
// suite names, e.g. "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256".
func ParseCipherList(list string) ([]uint16, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}

	known := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		known[s.Name] = s.ID
	}
	for _, s := range tls.InsecureCipherSuites() {
		known[s.Name] = s.ID
	}

	fields := strings.FieldsFunc(list, func(r rune) bool { return r == ':' || r == ',' })
	ids := make([]uint16, 0, len(fields))
	for _, name := range fields {
		name = strings.TrimSpace(name)
		id, ok := known[strings.ToUpper(name)]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrTLSCipher, name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// tlsSettings is the TLS part of the client configuration. Certificate
// mode and PSK mode are mutually exclusive.
type tlsSettings struct {
	certMode bool
	caPath   string
	certFile string
	keyFile  string
	password []byte

	insecure   bool
	verify     VerifyMode
	minVersion uint16
	maxVersion uint16
	ciphers    []uint16

	pskMode     bool
	psk         []byte
	pskIdentity string
	pskCiphers  []uint16
}

func (s *tlsSettings) enabled() bool {
	return s.certMode || s.pskMode
}

func (s *tlsSettings) setCertificates(caPath, certFile, keyFile, password string) error {
	if s.pskMode {
		return NewConfigError("tls", "certificate configuration", ErrTLSModeConflict)
	}
	if (certFile == "") != (keyFile == "") {
		return NewConfigError("tls", "client certificate", ErrKeyWithoutCert)
	}

	if caPath != "" {
		if _, err := loadCertPool(caPath); err != nil {
			return NewConfigError("tls", "CA path "+caPath, err)
		}
	}
	if certFile != "" {
		if _, err := loadKeyPair(certFile, keyFile, []byte(password)); err != nil {
			return NewConfigError("tls", "client certificate "+certFile, err)
		}
	}

	s.certMode = true
	s.caPath = caPath
	s.certFile = certFile
	s.keyFile = keyFile
	s.password = nil
	if password != "" {
		s.password = []byte(password)
	}
	return nil
}

func (s *tlsSettings) setOptions(verify VerifyMode, version, ciphers string) error {
	if s.pskMode {
		return NewConfigError("tls", "certificate options", ErrTLSModeConflict)
	}
	if verify != VerifyPeer && verify != VerifyNone {
		return NewConfigError("tls", fmt.Sprintf("verify mode %d", verify), nil)
	}

	var v uint16
	if version != "" {
		parsed, err := ParseTLSVersion(version)
		if err != nil {
			return NewConfigError("tls", "version", err)
		}
		v = parsed
	}

	ids, err := ParseCipherList(ciphers)
	if err != nil {
		return NewConfigError("tls", "ciphers", err)
	}

	s.certMode = true
	s.verify = verify
	s.minVersion, s.maxVersion = v, v
	s.ciphers = ids
	return nil
}

func (s *tlsSettings) setPSK(pskHex, identity, ciphers string) error {
	if s.certMode {
		return NewConfigError("tls", "pre-shared key", ErrTLSModeConflict)
	}

	key, err := hex.DecodeString(pskHex)
	if err != nil || len(key) == 0 {
		return NewConfigError("tls", "pre-shared key", ErrInvalidPSK)
	}
	if identity == "" {
		return NewConfigError("tls", "pre-shared key", ErrPSKIdentity)
	}

	ids, err := ParseCipherList(ciphers)
	if err != nil {
		return NewConfigError("tls", "psk ciphers", err)
	}

	s.pskMode = true
	s.psk = key
	s.pskIdentity = identity
	s.pskCiphers = ids
	return nil
}

// config builds the crypto/tls configuration for a broker host.
func (s *tlsSettings) config(host string) (*tls.Config, error) {
	if s.pskMode {
		return nil, ErrPSKUnsupported
	}

	cfg := &tls.Config{
		ServerName:   host,
		MinVersion:   tls.VersionTLS12,
		CipherSuites: s.ciphers,
	}
	if s.minVersion != 0 {
		cfg.MinVersion = s.minVersion
		cfg.MaxVersion = s.maxVersion
	}

	if s.caPath != "" {
		pool, err := loadCertPool(s.caPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if s.certFile != "" {
		cert, err := loadKeyPair(s.certFile, s.keyFile, s.password)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	switch {
	case s.verify == VerifyNone:
		cfg.InsecureSkipVerify = true
	case s.insecure:
		// chain is still verified, only the host name check is skipped
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = verifyChainOnly(cfg.RootCAs)
	}

	return cfg, nil
}

func verifyChainOnly(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return ErrNoCertificates
		}

		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return err
			}
			certs = append(certs, cert)
		}

		opts := x509.VerifyOptions{
			Roots:         roots,
			Intermediates: x509.NewCertPool(),
		}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}

		_, err := certs[0].Verify(opts)
		return err
	}
}

// loadCertPool reads PEM certificates from a file, or from every regular
// file in a directory.
func loadCertPool(path string) (*x509.CertPool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	files := []string{path}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		files = files[:0]
		for _, e := range entries {
			if e.Type().IsRegular() {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
	}

	pool := x509.NewCertPool()
	found := false
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		if pool.AppendCertsFromPEM(data) {
			found = true
		}
	}

	if !found {
		return nil, fmt.Errorf("%s: %w", path, ErrNoCertificates)
	}
	return pool, nil
}

// loadKeyPair loads a client certificate chain and its private key. A
// password decrypts a PKCS#8 "ENCRYPTED PRIVATE KEY" block.
func loadKeyPair(certFile, keyFile string, password []byte) (tls.Certificate, error) {
	if len(password) == 0 {
		return tls.LoadX509KeyPair(certFile, keyFile)
	}

	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}

	var cert tls.Certificate
	for block, rest := pem.Decode(certPEM); block != nil; block, rest = pem.Decode(rest) {
		if block.Type == "CERTIFICATE" {
			cert.Certificate = append(cert.Certificate, block.Bytes)
		}
	}
	if len(cert.Certificate) == 0 {
		return tls.Certificate{}, fmt.Errorf("%s: %w", certFile, ErrNoCertificates)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil || block.Type != "ENCRYPTED PRIVATE KEY" {
		return tls.Certificate{}, fmt.Errorf("%s: %w", keyFile, ErrUnsupportedKey)
	}

	key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, password)
	if err != nil {
		return tls.Certificate{}, err
	}
	cert.PrivateKey = key

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, err
	}
	cert.Leaf = leaf

	return cert, nil
}
