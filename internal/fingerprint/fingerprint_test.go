package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintStability(t *testing.T) {
	a := Fingerprint("https://Example.com/a/b/", 500, "boom", -1)
	b := Fingerprint("https://example.com/a/b", 500, "boom", -1)
	assert.Equal(t, a, b, "trailing slash and host case should not affect the digest")
}

func TestFingerprintDiffersOnStatus(t *testing.T) {
	a := Fingerprint("https://example.com/a", 500, "boom", -1)
	b := Fingerprint("https://example.com/a", 503, "boom", -1)
	assert.NotEqual(t, a, b)
}

func TestLatencyBucketing(t *testing.T) {
	a := Fingerprint("https://example.com/a", 200, "", 210)
	b := Fingerprint("https://example.com/a", 200, "", 290)
	assert.Equal(t, a, b, "latencies within the same 100ms bucket should collide")

	c := Fingerprint("https://example.com/a", 200, "", 310)
	assert.NotEqual(t, a, c)
}

func TestErrorNormalizationIgnoresVolatileFields(t *testing.T) {
	a := Fingerprint("https://example.com/a", 500,
		"Request 550e8400-e29b-41d4-a716-446655440000 at 2025-01-01T10:00:00Z failed", -1)
	b := Fingerprint("https://example.com/a", 500,
		"Request 6ba7b810-9dad-11d1-80b4-00c04fd430c8 at 2025-12-31T23:59:59Z failed", -1)
	assert.Equal(t, a, b)
}

func TestNormalizeErrorTimeoutAndNetwork(t *testing.T) {
	assert.Equal(t, "TIMEOUT", NormalizeError("request timed out after 30s", -1))
	assert.Equal(t, "NETWORK_ERROR", NormalizeError("dial tcp: connection refused", -1))
}

func TestNormalizeURLDropsQueryAndFragment(t *testing.T) {
	assert.Equal(t, "https://example.com/a/b", NormalizeURL("https://example.com/a/b?x=1#frag"))
	assert.Equal(t, "https://example.com", NormalizeURL("https://example.com/"))
}

func TestFingerprintKeys(t *testing.T) {
	hash := Fingerprint("https://example.com", 0, "", -1)
	assert.Equal(t, "fingerprint:"+hash, FingerprintKey(hash))
	assert.Equal(t, "cooldown:"+hash, CooldownKey(hash))
	assert.Equal(t, "suppress:fp:"+hash, SuppressKey(hash))
}
