package totp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/pquerna/otp/totp"
)

// GenerateSecret creates a fresh base32 TOTP secret and returns it
// encrypted with the service key, ready to store on the Identity.
func GenerateSecret(key []byte, issuer, account string) ([]byte, error) {
	opts := totp.GenerateOpts{Issuer: issuer, AccountName: account}
	totpKey, err := totp.Generate(opts)
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}
	return EncryptSecret(key, totpKey.Secret())
}

// EncryptSecret seals the base32 secret with AES-GCM. The nonce is
// prepended to the ciphertext.
func EncryptSecret(key []byte, secret string) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, []byte(secret), nil), nil
}

// DecryptSecret opens an encrypted secret produced by EncryptSecret.
func DecryptSecret(key, sealed []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return "", fmt.Errorf("sealed secret too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open secret: %w", err)
	}
	return string(plain), nil
}
