package crypto

import (
	"encoding/base64"
	"errors"
	"testing"
)

func TestSealOpen(t *testing.T) {
	s, err := NewSealer("k1", map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	})
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	raw, err := s.Seal("openai", "sk-secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	out, err := s.Open("openai", raw)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if out != "sk-secret" {
		t.Fatalf("expected original secret, got %q", out)
	}
}

func TestOpenRejectsOtherProvider(t *testing.T) {
	s, _ := NewSealer("k1", map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	})
	raw, err := s.Seal("openai", "sk-secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := s.Open("anthropic", raw); !errors.Is(err, ErrTampered) {
		t.Fatalf("expected tamper error, got %v", err)
	}
}

func TestRotationOpenOldSealNew(t *testing.T) {
	oldKey := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	newKey := mustKey(t, "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")

	before, err := NewSealer("old", map[string][]byte{"old": oldKey})
	if err != nil {
		t.Fatalf("old sealer: %v", err)
	}
	legacy, err := before.Seal("google", "legacy")
	if err != nil {
		t.Fatalf("old seal: %v", err)
	}

	after, err := NewSealer("new", map[string][]byte{"old": oldKey, "new": newKey})
	if err != nil {
		t.Fatalf("rotated sealer: %v", err)
	}
	if !after.NeedsRotation(legacy) {
		t.Fatalf("legacy envelope should need rotation")
	}
	fresh, err := after.Reseal("google", legacy)
	if err != nil {
		t.Fatalf("reseal: %v", err)
	}
	if after.NeedsRotation(fresh) {
		t.Fatalf("resealed envelope should use the current key")
	}
	plain, err := after.Open("google", fresh)
	if err != nil || plain != "legacy" {
		t.Fatalf("unexpected plaintext %q (%v)", plain, err)
	}

	if _, err := before.Open("google", fresh); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("old sealer cannot know the new key, got %v", err)
	}
}

func TestNewSealerValidatesKeys(t *testing.T) {
	if _, err := NewSealer("", nil); err == nil {
		t.Fatalf("expected error for empty key id")
	}
	if _, err := NewSealer("k", map[string][]byte{"k": []byte("short")}); err == nil {
		t.Fatalf("expected error for short key")
	}
}

func mustKey(t *testing.T, b64 string) []byte {
	t.Helper()
	k, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(k) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(k))
	}
	return k
}
