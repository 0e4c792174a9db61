package idp

import (
	"crypto"
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// LoadPrivateKeyFile reads a PEM encoded RSA or EC private key used for
// private_key_jwt client authentication.
func LoadPrivateKeyFile(path string) (crypto.Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, newError(KindConfiguration, "load private key", err)
	}
	return ParsePrivateKeyPEM(b)
}

// ParsePrivateKeyPEM parses a PKCS#1, PKCS#8 or SEC 1 PEM private key.
func ParsePrivateKeyPEM(b []byte) (crypto.Signer, error) {
	rsaKey, rsaErr := jwt.ParseRSAPrivateKeyFromPEM(b)
	if rsaErr == nil {
		return rsaKey, nil
	}
	ecKey, ecErr := jwt.ParseECPrivateKeyFromPEM(b)
	if ecErr == nil {
		return ecKey, nil
	}
	return nil, newError(KindConfiguration, "parse private key", fmt.Errorf("neither RSA nor EC: %w", errors.Join(rsaErr, ecErr)))
}
