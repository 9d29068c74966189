package mpesa

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// LoadCertificate reads the Daraja public certificate from a PEM or DER file.
func LoadCertificate(path string) (*x509.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read certificate %s: %w", path, err)
	}
	return ParseCertificate(raw)
}

func ParseCertificate(raw []byte) (*x509.Certificate, error) {
	der := raw
	if block, _ := pem.Decode(raw); block != nil {
		der = block.Bytes
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}

// SecurityCredential encrypts the initiator password with the certificate's
// RSA key using PKCS#1 v1.5 and base64 encodes the result.
func SecurityCredential(initiatorPassword string, cert *x509.Certificate) (string, error) {
	if cert == nil {
		return "", errors.New("no certificate loaded")
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return "", errors.New("certificate does not carry an RSA public key")
	}
	encrypted, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(initiatorPassword))
	if err != nil {
		return "", fmt.Errorf("encrypt initiator password: %w", err)
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}
