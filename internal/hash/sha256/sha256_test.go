package sha256

import "testing"

func TestHashKnownDigest(t *testing.T) {
	t.Parallel()

	got, err := New().Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestHashDistinguishesBatches(t *testing.T) {
	t.Parallel()

	h := New()
	a, _ := h.Hash([]byte(`{"url":"https://a.test/1.png"}` + "\n"))
	b, _ := h.Hash([]byte(`{"url":"https://a.test/2.png"}` + "\n"))
	if a == b {
		t.Fatalf("expected distinct digests, both %s", a)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}
