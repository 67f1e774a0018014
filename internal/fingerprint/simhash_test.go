package fingerprint

import (
	"strings"
	"testing"
)

const article = `The summit concluded on Tuesday with an agreement between the
two delegations covering trade tariffs, energy policy, and a framework for
future negotiations on agricultural subsidies across the region.`

func TestHashDeterministic(t *testing.T) {
	a := Hash(article)
	b := Hash(article)
	if a != b {
		t.Fatalf("hash not deterministic: %x != %x", a, b)
	}
	if a == 0 {
		t.Fatal("non-empty text must not hash to zero")
	}
}

func TestHashEmpty(t *testing.T) {
	for _, s := range []string{"", "   ", "\n\t", "a b c"} {
		// Single-character tokens are dropped, so "a b c" is empty too.
		if got := Hash(s); got != 0 {
			t.Errorf("Hash(%q) = %x, want 0", s, got)
		}
	}
}

func TestSimilarTextsAreClose(t *testing.T) {
	// One changed word out of ~35 should move only a few bits.
	edited := strings.Replace(article, "Tuesday", "Wednesday", 1)

	d := Distance(Hash(article), Hash(edited))
	if d > 12 {
		t.Errorf("distance between near-identical texts = %d, want small", d)
	}

	unrelated := `Quarterly earnings missed analyst expectations as cloud
revenue growth slowed, sending shares lower in extended trading.`
	if d2 := Distance(Hash(article), Hash(unrelated)); d2 <= d {
		t.Errorf("unrelated distance %d should exceed near-duplicate distance %d", d2, d)
	}
}

func TestDistance(t *testing.T) {
	if got := Distance(0, 0); got != 0 {
		t.Errorf("Distance(0,0) = %d", got)
	}
	if got := Distance(0, ^uint64(0)); got != 64 {
		t.Errorf("Distance(0,~0) = %d", got)
	}
	if got := Distance(0b1011, 0b0010); got != 3 {
		t.Errorf("Distance = %d, want 3", got)
	}
}

func TestIndexNearDuplicate(t *testing.T) {
	idx := NewIndex(3)

	sig := Hash(article)
	idx.Add(sig)

	if !idx.IsNearDuplicate(sig) {
		t.Error("identical signature must be a near-duplicate")
	}

	// Flip two bits: still within threshold 3.
	close := sig ^ 0b101
	if !idx.IsNearDuplicate(close) {
		t.Error("signature at distance 2 should match")
	}

	// A far signature must not match.
	far := sig ^ 0xFFFF_FFFF_0000_0001
	if idx.IsNearDuplicate(far) {
		t.Error("distant signature must not match")
	}
}

func TestIndexIgnoresZero(t *testing.T) {
	idx := NewIndex(3)
	idx.Add(0)
	if idx.IsNearDuplicate(0) {
		t.Error("zero signature must never match")
	}
}

func BenchmarkHash(b *testing.B) {
	text := strings.Repeat(article, 20)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Hash(text)
	}
}
