package cryptoprim

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// DefaultKeyBits is the RSA modulus size used for newly generated master
// and minion keys, per §4.1.
const DefaultKeyBits = 4096

// ErrInvalidKey is returned when a PEM file cannot be parsed as an RSA key.
// Callers on the handshake path must treat this the same as an absent key,
// never a crash (§4.1, §7 KeyError).
var ErrInvalidKey = fmt.Errorf("cryptoprim: invalid key")

// GenerateKeyPair creates a fresh RSA key pair of the given bit size.
func GenerateKeyPair(bits int) (*rsa.PrivateKey, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: generate rsa key: %w", err)
	}
	return priv, nil
}

// EncodePrivateKeyPEM encodes priv as a PKCS#1 PEM block.
func EncodePrivateKeyPEM(priv *rsa.PrivateKey) []byte {
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	}
	return pem.EncodeToMemory(block)
}

// EncodePublicKeyPEM encodes pub as a PKIX PEM block.
func EncodePublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return pem.EncodeToMemory(block), nil
}

// ParsePrivateKeyPEM decodes a PKCS#1 (or PKCS#8) PEM-encoded RSA private
// key. Malformed input returns ErrInvalidKey, never a panic.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidKey
	}
	if priv, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return priv, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidKey)
	}
	return priv, nil
}

// ParsePublicKeyPEM decodes a PKIX (or PKCS#1) PEM-encoded RSA public key.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidKey
	}
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		if rsaPub, ok := pub.(*rsa.PublicKey); ok {
			return rsaPub, nil
		}
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidKey)
	}
	pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pub, nil
}

// LoadPrivateKeyFile reads and parses an RSA private key from path.
func LoadPrivateKeyFile(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKeyPEM(data)
}

// GetRSAPubKey reads and parses an RSA public key from path. Per §4.1 this
// never panics on a malformed file — it returns ErrInvalidKey, which
// handshake code maps to "treat the minion as absent."
func GetRSAPubKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePublicKeyPEM(data)
}

// OAEPWrap encrypts plaintext to pub using RSA-OAEP. §4.1 defaults to
// SHA-1 for OAEP to match legacy minion compatibility; callers negotiating
// a v3+ envelope should prefer OAEPWrapSHA256.
func OAEPWrap(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, plaintext, nil)
}

// OAEPUnwrap decrypts ciphertext with priv using RSA-OAEP/SHA-1.
func OAEPUnwrap(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, ciphertext, nil)
}

// OAEPWrapSHA256 and OAEPUnwrapSHA256 are the SHA-256 OAEP variants used
// when enc_algo negotiates a stronger digest (§4.1, §9 algorithm-ID note).
func OAEPWrapSHA256(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
}

func OAEPUnwrapSHA256(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
}

// SignMessage signs data with the PKCS#1 v1.5 scheme over a SHA-1 digest,
// matching the master's default sig_algo (§4.1).
func SignMessage(priv *rsa.PrivateKey, data []byte) ([]byte, error) {
	digest := sha1.Sum(data)
	return rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA1, digest[:])
}

// VerifyMessage verifies a SignMessage signature against pub.
func VerifyMessage(pub *rsa.PublicKey, data, sig []byte) error {
	digest := sha1.Sum(data)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], sig)
}

// PrivateEncrypt signs a pre-hashed SHA-256 digest of data with priv using
// PKCS#1 v1.5. This is the "raw RSA sign of a pre-hashed digest" §4.1 calls
// for when authenticating the wrapped cluster secret (the AuthReply "sig"
// field).
func PrivateEncrypt(priv *rsa.PrivateKey, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	return rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
}

// VerifyPrivateEncrypt verifies a PrivateEncrypt signature.
func VerifyPrivateEncrypt(pub *rsa.PublicKey, data, sig []byte) error {
	digest := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig)
}
