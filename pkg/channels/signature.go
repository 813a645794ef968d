package channels

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"
)

var (
	ErrAuthentication   = errors.New("webhook signature verification failed")
	ErrSignatureMissing = errors.New("webhook signature missing")
)

const (
	signatureHeader       = "X-Hub-Signature"
	signatureHeaderSHA256 = "X-Hub-Signature-256"
)

// VerifySignature checks header ("sha1=<hex>" or "sha256=<hex>") against the
// HMAC of body keyed by the app secret.
func VerifySignature(secret string, body []byte, header string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrSignatureMissing
	}

	algo, digest, ok := strings.Cut(header, "=")
	if !ok || digest == "" {
		return fmt.Errorf("%w: malformed header", ErrAuthentication)
	}

	var newHash func() hash.Hash
	switch algo {
	case "sha1":
		newHash = sha1.New
	case "sha256":
		newHash = sha256.New
	default:
		return fmt.Errorf("%w: unsupported algorithm %q", ErrAuthentication, algo)
	}

	if _, err := hex.DecodeString(digest); err != nil {
		return fmt.Errorf("%w: digest is not hex", ErrAuthentication)
	}

	// Digests are compared as lowercase hex text, so a case change in the
	// header is a mismatch.
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(digest)) {
		return ErrAuthentication
	}
	return nil
}

// Sign returns the header value Messenger would send for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
