package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerify_NoSecretAcceptsAnything(t *testing.T) {
	v := NewVerifier("")

	assert.False(t, v.Enabled())
	for _, sig := range []string{"", "garbage", "sha256=00", sign([]byte("x"), []byte("y"))} {
		assert.True(t, v.Verify([]byte(`{"action":"queued"}`), sig), "signature %q", sig)
	}
}

func TestVerify_ValidSignature(t *testing.T) {
	secret := []byte("s3cr3t")
	bodies := [][]byte{
		[]byte(`{"action":"queued"}`),
		[]byte(""),
		[]byte("\x00\xff binary"),
	}

	v := NewVerifier(string(secret))
	for _, body := range bodies {
		assert.True(t, v.Verify(body, sign(secret, body)))
	}
}

func TestVerify_EmptySignatureRejected(t *testing.T) {
	v := NewVerifier("s3cr3t")
	assert.False(t, v.Verify([]byte("body"), ""))
}

func TestVerify_FlippedBodyByteRejected(t *testing.T) {
	secret := []byte("s3cr3t")
	body := []byte(`{"action":"queued","workflow_job":{"id":42}}`)
	sig := sign(secret, body)

	v := NewVerifier(string(secret))
	for i := range body {
		tampered := append([]byte(nil), body...)
		tampered[i] ^= 0x01
		assert.False(t, v.Verify(tampered, sig), "flipped byte %d", i)
	}
}

func TestVerify_FlippedSignatureByteRejected(t *testing.T) {
	secret := []byte("s3cr3t")
	body := []byte("payload")
	sig := sign(secret, body)

	v := NewVerifier(string(secret))
	for i := len(prefix); i < len(sig); i++ {
		tampered := []byte(sig)
		if tampered[i] == 'a' {
			tampered[i] = 'b'
		} else {
			tampered[i] = 'a'
		}
		assert.False(t, v.Verify(body, string(tampered)), "flipped char %d", i)
	}
}

func TestVerify_MalformedSignatures(t *testing.T) {
	secret := []byte("s3cr3t")
	body := []byte("payload")
	valid := sign(secret, body)

	v := NewVerifier(string(secret))
	for _, sig := range []string{
		"sha256=",
		"sha256=zz",
		valid[len(prefix):],
		"sha1=" + valid[len(prefix):],
		"SHA256=" + valid[len(prefix):],
	} {
		assert.False(t, v.Verify(body, sig), "signature %q", sig)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	body := []byte("payload")
	v := NewVerifier("right")
	assert.False(t, v.Verify(body, sign([]byte("wrong"), body)))
}
