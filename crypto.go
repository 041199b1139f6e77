package goldboot

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

const (
	nonceSize = 12
	keySize   = 32
)

// deriveHeaderKey derives the AES-256 key used to seal every region except
// the cluster bodies themselves. password is nil for an unencrypted image;
// encryption_type, not password nullness, is what selects the plaintext
// path. An explicit empty password string is still a real, if weak, key.
func deriveHeaderKey(password *string) [keySize]byte {
	if password == nil {
		return [keySize]byte{}
	}
	return sha256.Sum256([]byte(*password))
}

// newClusterKey generates a fresh random AES-256 key for the cluster cipher.
// It is generated once per image and stored inside ProtectedHeader.
func newClusterKey() ([keySize]byte, error) {
	var key [keySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("goldboot: failed to generate cluster key: %w", err)
	}
	return key, nil
}

// newNonce generates a fresh random 12-byte AEAD nonce.
func newNonce() ([nonceSize]byte, error) {
	var n [nonceSize]byte
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("goldboot: failed to generate nonce: %w", err)
	}
	return n, nil
}

// sealRegion encrypts plaintext with AES-256-GCM under key and nonce. There
// is no associated data: the only thing worth authenticating is the
// ciphertext itself, and every region already carries its own nonce.
func sealRegion(key [keySize]byte, nonce [nonceSize]byte, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce[:], plaintext, nil), nil
}

// openRegion decrypts and authenticates ciphertext produced by sealRegion.
// A tag mismatch (wrong password or tampering) surfaces as an opaque error;
// callers wrap it in *ErrAuthenticationFailed with the region name.
func openRegion(key [keySize]byte, nonce [nonceSize]byte, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce[:], ciphertext, nil)
}

func newGCM(key [keySize]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("goldboot: failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("goldboot: failed to create GCM mode: %w", err)
	}
	return gcm, nil
}
