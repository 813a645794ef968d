package channels

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "app-secret"

func TestVerifySignature_SHA256(t *testing.T) {
	body := []byte(`{"object":"page","entry":[]}`)

	require.NoError(t, VerifySignature(testSecret, body, Sign(testSecret, body)))
}

func TestVerifySignature_SHA1(t *testing.T) {
	body := []byte(`{"object":"page"}`)
	mac := hmac.New(sha1.New, []byte(testSecret))
	mac.Write(body)
	header := "sha1=" + hex.EncodeToString(mac.Sum(nil))

	require.NoError(t, VerifySignature(testSecret, body, header))
}

func TestVerifySignature_AnySingleByteChangeFails(t *testing.T) {
	body := []byte(`{"object":"page","entry":[{"id":"1"}]}`)
	header := Sign(testSecret, body)

	for i := range body {
		mutated := append([]byte(nil), body...)
		mutated[i] ^= 0x01
		assert.ErrorIs(t, VerifySignature(testSecret, mutated, header), ErrAuthentication, "byte %d", i)
	}
}

func TestVerifySignature_WrongSecret(t *testing.T) {
	body := []byte(`{}`)
	assert.ErrorIs(t, VerifySignature("other", body, Sign(testSecret, body)), ErrAuthentication)
}

func TestVerifySignature_BadHeaders(t *testing.T) {
	body := []byte(`{}`)
	tests := []struct {
		name   string
		header string
		want   error
	}{
		{"missing", "", ErrSignatureMissing},
		{"blank", "   ", ErrSignatureMissing},
		{"no separator", "deadbeef", ErrAuthentication},
		{"empty digest", "sha256=", ErrAuthentication},
		{"unknown algorithm", "md5=abcdef", ErrAuthentication},
		{"not hex", "sha256=zzzz", ErrAuthentication},
		{"truncated digest", Sign(testSecret, body)[:20], ErrAuthentication},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, VerifySignature(testSecret, body, tt.header), tt.want)
		})
	}
}

func TestVerifySignature_AnySingleByteHeaderChangeFails(t *testing.T) {
	body := []byte(`{"object":"page"}`)
	mac := hmac.New(sha1.New, []byte(testSecret))
	mac.Write(body)
	header := "sha1=" + hex.EncodeToString(mac.Sum(nil))

	for _, flip := range []byte{0x01, 0x20} {
		for i := range header {
			mutated := []byte(header)
			mutated[i] ^= flip
			assert.Error(t, VerifySignature(testSecret, body, string(mutated)), "byte %d flip %#x", i, flip)
		}
	}
}

func TestVerifySignature_UppercaseHeaderRejected(t *testing.T) {
	body := []byte(`{"object":"page"}`)
	header := Sign(testSecret, body)

	assert.ErrorIs(t, VerifySignature(testSecret, body, strings.ToUpper(header)), ErrAuthentication)
	assert.ErrorIs(t, VerifySignature(testSecret, body, "SHA256"+header[len("sha256"):]), ErrAuthentication)
}
