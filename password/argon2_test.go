package password

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func testParams() Params {
	return Params{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func newTestHasher(t *testing.T, p Params) *Hasher {
	t.Helper()
	h, err := NewHasher(p, 2)
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}
	return h
}

func TestHashAndVerify(t *testing.T) {
	h := newTestHasher(t, testParams())
	ctx := context.Background()

	encoded, err := h.Hash(ctx, "correct-horse-battery")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$") {
		t.Fatalf("expected PHC encoding, got %q", encoded)
	}
	if strings.Contains(encoded, "correct-horse-battery") {
		t.Fatal("encoded hash must not contain the plaintext")
	}

	ok, err := h.Verify(ctx, "correct-horse-battery", encoded)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !ok {
		t.Fatal("expected the right password to verify")
	}

	ok, err = h.Verify(ctx, "wrong-password", encoded)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if ok {
		t.Fatal("a wrong password must not verify")
	}
}

func TestHashIsSalted(t *testing.T) {
	h := newTestHasher(t, testParams())
	ctx := context.Background()

	first, err := h.Hash(ctx, "correct-horse-battery")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	second, err := h.Hash(ctx, "correct-horse-battery")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if first == second {
		t.Fatal("two hashes of the same password must differ")
	}
}

func TestHashRejectsEmptyPassword(t *testing.T) {
	h := newTestHasher(t, testParams())

	if _, err := h.Hash(context.Background(), ""); !errors.Is(err, ErrEmptyPassword) {
		t.Fatalf("expected ErrEmptyPassword, got %v", err)
	}
}

func TestVerifyRejectsMalformedHashes(t *testing.T) {
	h := newTestHasher(t, testParams())
	ctx := context.Background()

	for _, encoded := range []string{
		"",
		"plaintext",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$a2V5a2V5a2V5a2V5a2V5a2V5",
		"$argon2id$v=18$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$a2V5a2V5a2V5a2V5a2V5a2V5",
		"$argon2id$v=19$m=8192,t=1$c2FsdHNhbHRzYWx0c2FsdA$a2V5a2V5a2V5a2V5a2V5a2V5",
		"$argon2id$v=19$m=8192,t=1,p=1$!!!$a2V5a2V5a2V5a2V5a2V5a2V5",
	} {
		if _, err := h.Verify(ctx, "whatever", encoded); err == nil {
			t.Errorf("Verify(%q): expected an error", encoded)
		}
	}
}

func TestNeedsRehash(t *testing.T) {
	weak := testParams()
	weakHasher := newTestHasher(t, weak)
	ctx := context.Background()

	encoded, err := weakHasher.Hash(ctx, "correct-horse-battery")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	needs, err := weakHasher.NeedsRehash(encoded)
	if err != nil {
		t.Fatalf("NeedsRehash failed: %v", err)
	}
	if needs {
		t.Fatal("a hash at current cost must not need a rehash")
	}

	strong := weak
	strong.Time = 2
	strongHasher := newTestHasher(t, strong)

	needs, err = strongHasher.NeedsRehash(encoded)
	if err != nil {
		t.Fatalf("NeedsRehash failed: %v", err)
	}
	if !needs {
		t.Fatal("a weaker hash must be flagged for rehash")
	}

	// Old hashes still verify under the stronger hasher: the embedded
	// parameters drive the derivation.
	ok, err := strongHasher.Verify(ctx, "correct-horse-battery", encoded)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !ok {
		t.Fatal("old hashes must remain verifiable")
	}
}

func TestHashHonorsContextCancellation(t *testing.T) {
	h := newTestHasher(t, testParams())

	// Fill the semaphore so the next acquire blocks on the context.
	h.sem <- struct{}{}
	h.sem <- struct{}{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.Hash(ctx, "correct-horse-battery"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewHasherRejectsWeakParams(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Params)
	}{
		{"memory below minimum", func(p *Params) { p.Memory = 1024 }},
		{"zero time", func(p *Params) { p.Time = 0 }},
		{"zero parallelism", func(p *Params) { p.Parallelism = 0 }},
		{"short salt", func(p *Params) { p.SaltLength = 8 }},
		{"short key", func(p *Params) { p.KeyLength = 8 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := testParams()
			tc.mutate(&p)
			if _, err := NewHasher(p, 2); err == nil {
				t.Fatal("expected NewHasher to fail")
			}
		})
	}
}
