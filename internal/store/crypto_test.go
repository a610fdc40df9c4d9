package store

import (
	"strings"
	"testing"
)

func testCodec(t *testing.T) envCodec {
	t.Helper()
	key, err := newEnvKey()
	if err != nil {
		t.Fatalf("newEnvKey: %v", err)
	}
	codec, err := newEnvCodec(key)
	if err != nil {
		t.Fatalf("newEnvCodec: %v", err)
	}
	return codec
}

func TestEnvCodec_RoundTrip(t *testing.T) {
	codec := testCodec(t)

	for _, plain := range []string{"sk-abc123", "", "multi\nline\nvalue", "ünïcödé ✓"} {
		enc, err := codec.Encrypt(plain)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plain, err)
		}
		if !strings.HasPrefix(enc, "enc:v1:") {
			t.Fatalf("missing prefix: %q", enc)
		}
		if got := codec.Decrypt(enc); got != plain {
			t.Errorf("round trip of %q gave %q", plain, got)
		}
	}
}

func TestEnvCodec_FreshIVPerValue(t *testing.T) {
	codec := testCodec(t)

	a, _ := codec.Encrypt("same")
	b, _ := codec.Encrypt("same")
	if a == b {
		t.Error("two encryptions of the same value should differ (fresh IV)")
	}
}

func TestEnvCodec_PlaintextPassThrough(t *testing.T) {
	codec := testCodec(t)

	if got := codec.Decrypt("just-a-plain-key"); got != "just-a-plain-key" {
		t.Errorf("unprefixed value should pass through, got %q", got)
	}
	if got := codec.Decrypt("enc:v2:whatever"); got != "enc:v2:whatever" {
		t.Errorf("unknown version should read as plaintext, got %q", got)
	}
}

func TestEnvCodec_MalformedDecryptsToEmpty(t *testing.T) {
	codec := testCodec(t)

	malformed := []string{
		"enc:v1:",
		"enc:v1:notbase64:::",
		"enc:v1:AAAA:BBBB:CCCC",
		"enc:v1:only-two:parts",
	}
	for _, v := range malformed {
		if got := codec.Decrypt(v); got != "" {
			t.Errorf("Decrypt(%q) = %q, want empty", v, got)
		}
	}

	// Tampered ciphertext must not authenticate.
	enc, _ := codec.Encrypt("secret")
	parts := strings.Split(enc, ":")
	parts[len(parts)-1] = "AAAA" + parts[len(parts)-1][4:]
	if got := codec.Decrypt(strings.Join(parts, ":")); got != "" {
		t.Errorf("tampered value decrypted to %q, want empty", got)
	}
}

func TestEnvCodec_WrongKeySize(t *testing.T) {
	if _, err := newEnvCodec([]byte("short")); err == nil {
		t.Error("short key should be rejected")
	}
}
