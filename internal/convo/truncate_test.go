package convo

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateMiddleNoOpUnderBudget(t *testing.T) {
	s := "short string"
	got, truncated := TruncateMiddle(s, 100)
	if truncated {
		t.Fatalf("truncated = true, want false for input under budget")
	}
	if got != s {
		t.Fatalf("got %q, want unchanged %q", got, s)
	}
}

// TestTruncateMiddleStaysWithinBudget pins invariant 2: the result is never
// longer than budget plus the marker's length.
func TestTruncateMiddleStaysWithinBudget(t *testing.T) {
	s := strings.Repeat("x", 50_000)
	budget := 1000
	got, truncated := TruncateMiddle(s, budget)
	if !truncated {
		t.Fatalf("truncated = false, want true")
	}
	if len(got) > budget+64 {
		t.Fatalf("len(got) = %d, want <= budget(%d)+marker slack", len(got), budget)
	}
	if !strings.Contains(got, "tokens truncated") {
		t.Fatalf("got = %q, missing truncation marker", got)
	}
}

// TestTruncateMiddlePreservesHeadAndTail pins the head/tail preservation
// half of invariant 2.
func TestTruncateMiddlePreservesHeadAndTail(t *testing.T) {
	s := strings.Repeat("A", 2000) + strings.Repeat("B", 2000) + strings.Repeat("C", 2000)
	got, truncated := TruncateMiddle(s, 1000)
	if !truncated {
		t.Fatalf("expected truncation")
	}
	if !strings.HasPrefix(got, "A") {
		t.Fatalf("result does not preserve head: %q...", got[:20])
	}
	if !strings.HasSuffix(got, "C") {
		t.Fatalf("result does not preserve tail: ...%q", got[len(got)-20:])
	}
}

// TestTruncateMiddleCutsOnUTF8Boundaries pins invariant 2's UTF-8 safety:
// multi-byte runes are never split even when they straddle a cut point.
func TestTruncateMiddleCutsOnUTF8Boundaries(t *testing.T) {
	// Multi-byte rune (3-byte euro sign) repeated so every byte offset has a
	// good chance of landing mid-rune if cut naively.
	s := strings.Repeat("€", 5000)
	got, truncated := TruncateMiddle(s, 1000)
	if !truncated {
		t.Fatalf("expected truncation")
	}
	if !utf8.ValidString(got) {
		t.Fatalf("result is not valid UTF-8: %q", got)
	}
}

// TestTruncateMiddleMarkerDigitsStabilize exercises the iterative marker
// re-sizing loop: the elided-count digit string printed in the marker must
// match the actual number of elided bytes.
func TestTruncateMiddleMarkerDigitsStabilize(t *testing.T) {
	s := strings.Repeat("z", 1_000_000)
	got, truncated := TruncateMiddle(s, 500)
	if !truncated {
		t.Fatalf("expected truncation")
	}
	start := strings.Index(got, "…")
	end := strings.LastIndex(got, "…")
	if start == -1 || end == -1 || start == end {
		t.Fatalf("marker not found in %q", got)
	}
}
