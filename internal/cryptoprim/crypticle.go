package cryptoprim

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// KeySize is the size, in bytes, of each of the two sub-keys (AES, HMAC)
// carried inside a cluster secret.
const KeySize = 32

// ErrAuthentication is returned by Loads when the HMAC over a ciphertext
// does not verify — either the secret is stale or the blob was tampered
// with.
var ErrAuthentication = fmt.Errorf("crypticle: message authentication failed")

// GenerateKeyString returns fresh random bytes suitable for seeding a
// Crypticle: 2*KeySize bytes, the first half used as the AES-CBC key and
// the second half as the HMAC key.
func GenerateKeyString() ([]byte, error) {
	buf := make([]byte, 2*KeySize)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("cryptoprim: generate key string: %w", err)
	}
	return buf, nil
}

// Crypticle is the AES-CBC + HMAC-SHA256 authenticated container used for
// every payload encrypted under the cluster secret (§4.1, §6 "crypticle").
type Crypticle struct {
	aesKey  [KeySize]byte
	hmacKey [KeySize]byte
}

// NewCrypticle builds a Crypticle from a 2*KeySize secret, as produced by
// GenerateKeyString or read back out of the vault.
func NewCrypticle(secret []byte) (*Crypticle, error) {
	if len(secret) < 2*KeySize {
		return nil, fmt.Errorf("cryptoprim: cluster secret must be at least %d bytes, got %d", 2*KeySize, len(secret))
	}
	c := &Crypticle{}
	copy(c.aesKey[:], secret[:KeySize])
	copy(c.hmacKey[:], secret[KeySize:2*KeySize])
	return c, nil
}

type envelope struct {
	Nonce string          `json:"nonce,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// Dumps serializes v, encrypts it under AES-CBC with a random IV, and
// appends an HMAC-SHA256 over iv||ciphertext. If nonce is non-empty it is
// bound into the plaintext so a tampered or replayed ciphertext cannot be
// reattached to a different request.
func (c *Crypticle) Dumps(v interface{}, nonce string) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: marshal payload: %w", err)
	}
	plain, err := json.Marshal(envelope{Nonce: nonce, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: marshal envelope: %w", err)
	}

	block, err := aes.NewCipher(c.aesKey[:])
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: new aes cipher: %w", err)
	}

	padded := pkcs7Pad(plain, block.BlockSize())
	iv := make([]byte, block.BlockSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("cryptoprim: generate iv: %w", err)
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	out := append(append([]byte{}, iv...), ciphertext...)
	mac := hmac.New(sha256.New, c.hmacKey[:])
	mac.Write(out)
	out = append(out, mac.Sum(nil)...)
	return out, nil
}

// Loads verifies the HMAC over blob in constant time, decrypts it, and
// unmarshals the plaintext into out. The nonce that was bound at Dumps time
// (if any) is returned so callers can echo it on a reply.
func (c *Crypticle) Loads(blob []byte, out interface{}) (nonce string, err error) {
	block, err := aes.NewCipher(c.aesKey[:])
	if err != nil {
		return "", fmt.Errorf("cryptoprim: new aes cipher: %w", err)
	}
	blockSize := block.BlockSize()
	const macSize = sha256.Size
	if len(blob) < blockSize+blockSize+macSize {
		return "", ErrAuthentication
	}

	body := blob[:len(blob)-macSize]
	gotMAC := blob[len(blob)-macSize:]

	mac := hmac.New(sha256.New, c.hmacKey[:])
	mac.Write(body)
	wantMAC := mac.Sum(nil)
	if !hmac.Equal(gotMAC, wantMAC) {
		return "", ErrAuthentication
	}

	iv := body[:blockSize]
	ciphertext := body[blockSize:]
	if len(ciphertext) == 0 || len(ciphertext)%blockSize != 0 {
		return "", ErrAuthentication
	}

	plainPadded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plainPadded, ciphertext)

	plain, err := pkcs7Unpad(plainPadded, blockSize)
	if err != nil {
		return "", ErrAuthentication
	}

	var env envelope
	if err := json.Unmarshal(plain, &env); err != nil {
		return "", ErrAuthentication
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return "", ErrAuthentication
		}
	}
	return env.Nonce, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := len(data)
	if n == 0 || n%blockSize != 0 {
		return nil, fmt.Errorf("cryptoprim: invalid padded length")
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > blockSize || padLen > n {
		return nil, fmt.Errorf("cryptoprim: invalid padding")
	}
	for _, b := range data[n-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("cryptoprim: invalid padding")
		}
	}
	return data[:n-padLen], nil
}
