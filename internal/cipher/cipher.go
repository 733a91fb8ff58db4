// Package cipher provides the PII encryption primitive (C1): symmetric
// encrypt/decrypt of identity documents and names, plus a deterministic
// fingerprint used where ciphertext equality would otherwise be required.
package cipher

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	keyLen             = 32 // AES-256
	encryptionKeyInfo  = "creditflow-pii-encryption"
	fingerprintKeyInfo = "creditflow-document-fingerprint"
)

// Cipher encrypts/decrypts PII and computes deterministic document
// fingerprints. Both derived keys come from a single master secret
// (ENCRYPTION_KEY) via HKDF-SHA256, mirroring the teacher's DeriveKey.
//
// The encryption scheme is AES-256-GCM with a random nonce per call —
// non-deterministic. Equal plaintexts therefore do NOT produce equal
// ciphertext, so uniqueness constraints must never compare ciphertext;
// use Fingerprint (HMAC-SHA256, deterministic) for that instead.
type Cipher struct {
	encKey []byte
	fpKey  []byte
}

// New derives the encryption and fingerprint keys from masterKey.
func New(masterKey []byte) (*Cipher, error) {
	encKey, err := deriveKey(masterKey, nil, encryptionKeyInfo, keyLen)
	if err != nil {
		return nil, fmt.Errorf("cipher: derive encryption key: %w", err)
	}
	fpKey, err := deriveKey(masterKey, nil, fingerprintKeyInfo, keyLen)
	if err != nil {
		return nil, fmt.Errorf("cipher: derive fingerprint key: %w", err)
	}
	return &Cipher{encKey: encKey, fpKey: fpKey}, nil
}

func deriveKey(masterKey, salt []byte, info string, length int) ([]byte, error) {
	reader := hkdf.New(sha256.New, masterKey, salt, []byte(info))
	key := make([]byte, length)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt encrypts plaintext with AES-256-GCM, prepending a fresh random
// nonce to the returned ciphertext.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.encKey)
	if err != nil {
		return nil, err
	}
	gcm, err := gocipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt. The returned plaintext must be held in memory
// only; the caller must never persist it back to the store.
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.encKey)
	if err != nil {
		return nil, err
	}
	gcm, err := gocipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("cipher: ciphertext too short")
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, body, nil)
}

// EncryptForQuery is the same operation as Encrypt. Since the cipher is
// non-deterministic, its output is NOT safe to use for equality lookups. It
// exists only to satisfy callers that need "the ciphertext form" for
// storage; use Fingerprint for any uniqueness or lookup predicate.
func (c *Cipher) EncryptForQuery(plaintext []byte) ([]byte, error) {
	return c.Encrypt(plaintext)
}

// Fingerprint returns a deterministic HMAC-SHA256 digest of
// (country, document), keyed by a secret distinct from the encryption key.
// This is the column the uniqueness constraint on
// (country, document_fingerprint) is built against — never the ciphertext.
func (c *Cipher) Fingerprint(country string, document []byte) []byte {
	h := hmac.New(sha256.New, c.fpKey)
	h.Write([]byte(country))
	h.Write([]byte{0})
	h.Write(document)
	return h.Sum(nil)
}
