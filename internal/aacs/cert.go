package aacs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// Certificate types.
const (
	CertDrive byte = 0x01
	CertHost  byte = 0x02
)

// Certificate binds an entity ID to a P-256 public key, signed by the root.
type Certificate struct {
	Type      byte
	ID        [6]byte
	PublicKey *ecdsa.PublicKey
	Signature []byte
	body      []byte
}

// IssueCertificate signs a certificate for pub with the root key and returns
// its wire encoding.
func IssueCertificate(root *ecdsa.PrivateKey, kind byte, id [6]byte, pub *ecdsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	body := make([]byte, 8, 10+len(der))
	body[0] = kind
	copy(body[2:8], id[:])
	body = binary.BigEndian.AppendUint16(body, uint16(len(der)))
	body = append(body, der...)

	digest := sha256.Sum256(body)
	sig, err := ecdsa.SignASN1(rand.Reader, root, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign certificate: %w", err)
	}
	out := binary.BigEndian.AppendUint16(body, uint16(len(sig)))
	return append(out, sig...), nil
}

// ParseCertificate decodes the wire form produced by IssueCertificate.
func ParseCertificate(data []byte) (*Certificate, error) {
	if len(data) < 10 {
		return nil, errors.New("certificate truncated")
	}
	keyLen := int(binary.BigEndian.Uint16(data[8:10]))
	if 10+keyLen+2 > len(data) {
		return nil, errors.New("certificate public key truncated")
	}
	bodyEnd := 10 + keyLen
	sigLen := int(binary.BigEndian.Uint16(data[bodyEnd:]))
	if bodyEnd+2+sigLen != len(data) {
		return nil, errors.New("certificate signature length mismatch")
	}
	parsed, err := x509.ParsePKIXPublicKey(data[10:bodyEnd])
	if err != nil {
		return nil, fmt.Errorf("parse certificate key: %w", err)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, errors.New("certificate key is not P-256 ECDSA")
	}
	cert := &Certificate{
		Type:      data[0],
		PublicKey: pub,
		Signature: append([]byte(nil), data[bodyEnd+2:]...),
		body:      append([]byte(nil), data[:bodyEnd]...),
	}
	copy(cert.ID[:], data[2:8])
	return cert, nil
}

// Verify checks the certificate signature against the trusted root.
func (c *Certificate) Verify(root *ecdsa.PublicKey) error {
	if root == nil {
		return errors.New("no trusted root")
	}
	digest := sha256.Sum256(c.body)
	if !ecdsa.VerifyASN1(root, digest[:], c.Signature) {
		return errors.New("certificate signature does not verify")
	}
	return nil
}

// Credentials hold the host side of authentication.
type Credentials struct {
	Certificate []byte
	PrivateKey  *ecdsa.PrivateKey
	Root        *ecdsa.PublicKey
}

// LoadCredentials reads a host certificate (wire form), a PEM EC private key
// and a PEM root public key.
func LoadCredentials(certPath, keyPath, rootPath string) (Credentials, error) {
	var creds Credentials
	cert, err := os.ReadFile(certPath)
	if err != nil {
		return creds, fmt.Errorf("read host certificate: %w", err)
	}
	if _, err := ParseCertificate(cert); err != nil {
		return creds, fmt.Errorf("host certificate: %w", err)
	}
	creds.Certificate = cert

	keyPEM, err := readPEM(keyPath)
	if err != nil {
		return creds, fmt.Errorf("host private key: %w", err)
	}
	creds.PrivateKey, err = x509.ParseECPrivateKey(keyPEM)
	if err != nil {
		return creds, fmt.Errorf("parse host private key: %w", err)
	}

	rootPEM, err := readPEM(rootPath)
	if err != nil {
		return creds, fmt.Errorf("trusted root: %w", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(rootPEM)
	if err != nil {
		return creds, fmt.Errorf("parse trusted root: %w", err)
	}
	root, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return creds, errors.New("trusted root is not an ECDSA key")
	}
	creds.Root = root
	return creds, nil
}

func readPEM(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	return block.Bytes, nil
}
