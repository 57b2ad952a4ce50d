package secrets

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// tokenAlphabet excludes '/', '=', and '+' so generated tokens are safe to
// embed in URLs, env files, and connection strings without escaping.
const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Token returns a random token of exactly length characters drawn from
// tokenAlphabet using crypto/rand. An unreadable entropy source is an error,
// never a weaker token.
func Token(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("token length must be positive, got %d", length)
	}
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random source: %w", err)
	}
	for i := range b {
		b[i] = tokenAlphabet[int(b[i])%len(tokenAlphabet)]
	}
	return string(b), nil
}

// VAPIDKeys holds a P-256 keypair in the base64url wire format the web push
// protocol (and Mastodon's VAPID_PRIVATE_KEY / VAPID_PUBLIC_KEY settings)
// expect: the private scalar and the uncompressed public point.
type VAPIDKeys struct {
	PrivateKey string
	PublicKey  string
}

// GenerateVAPIDKeys creates a fresh P-256 keypair for push-notification
// signing.
func GenerateVAPIDKeys() (*VAPIDKeys, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate vapid keypair: %w", err)
	}

	pub, err := key.PublicKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("encode vapid public key: %w", err)
	}

	priv := key.D.FillBytes(make([]byte, 32))
	return &VAPIDKeys{
		PrivateKey: base64.RawURLEncoding.EncodeToString(priv),
		PublicKey:  base64.RawURLEncoding.EncodeToString(pub.Bytes()),
	}, nil
}

// Set is the full collection of application secrets minted for one
// deployment. A rerun generates a fresh Set: sessions and push subscriptions
// bound to the previous secrets become invalid, and callers must warn the
// operator before overwriting a rendered config.
type Set struct {
	SecretKeyBase string
	OTPSecret     string
	VAPID         VAPIDKeys
}

// NewSet mints all application secrets. Mastodon expects 128-character
// SECRET_KEY_BASE and OTP_SECRET values.
func NewSet() (*Set, error) {
	keyBase, err := Token(128)
	if err != nil {
		return nil, fmt.Errorf("secret key base: %w", err)
	}
	otp, err := Token(128)
	if err != nil {
		return nil, fmt.Errorf("otp secret: %w", err)
	}
	vapid, err := GenerateVAPIDKeys()
	if err != nil {
		return nil, err
	}
	return &Set{
		SecretKeyBase: keyBase,
		OTPSecret:     otp,
		VAPID:         *vapid,
	}, nil
}
