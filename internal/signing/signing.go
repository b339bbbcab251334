// Package signing implements the HMAC helper behind signed asset URLs.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Signer generates and validates HMAC signatures over asset paths.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign returns the hex signature for an asset path and expiry.
func (s *Signer) Sign(assetPath string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	payload := fmt.Sprintf("%s:%d", assetPath, expiresUnix)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate checks the provided signature and that the expiry has not passed.
func (s *Signer) Validate(assetPath, expires, signature string) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return false
	}
	if exp < time.Now().Unix() {
		return false
	}
	expected := s.Sign(assetPath, exp)
	return hmac.Equal([]byte(expected), []byte(signature))
}
