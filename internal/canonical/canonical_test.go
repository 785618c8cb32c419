package canonical_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/Auro-rium/aex/internal/canonical"
)

func TestJSONSortsKeys(t *testing.T) {
	got, err := canonical.JSON(map[string]any{"zebra": 1, "alpha": 2, "mid": 3})
	if err != nil {
		t.Fatalf("JSON() error = %v", err)
	}
	want := `{"alpha":2,"mid":3,"zebra":1}`
	if string(got) != want {
		t.Errorf("JSON() = %s, want %s", got, want)
	}
}

func TestJSONStableAcrossInputForms(t *testing.T) {
	a, err := canonical.JSON(map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("JSON(map) error = %v", err)
	}
	b, err := canonical.JSON(json.RawMessage(`{ "b": 2,   "a": 1 }`))
	if err != nil {
		t.Fatalf("JSON(raw) error = %v", err)
	}
	if string(a) != string(b) {
		t.Errorf("canonical forms differ: %s vs %s", a, b)
	}
}

func TestJSONPreservesLargeIntegers(t *testing.T) {
	got, err := canonical.JSON(json.RawMessage(`{"micro":1000000000000001}`))
	if err != nil {
		t.Fatalf("JSON() error = %v", err)
	}
	if !strings.Contains(string(got), "1000000000000001") {
		t.Errorf("JSON() = %s, integer mangled by float round-trip", got)
	}
}

func TestJSONNoHTMLEscaping(t *testing.T) {
	got, err := canonical.JSON(map[string]string{"s": "a<b>&c"})
	if err != nil {
		t.Fatalf("JSON() error = %v", err)
	}
	if string(got) != `{"s":"a<b>&c"}` {
		t.Errorf("JSON() = %s, want raw angle brackets", got)
	}
}

func TestHashHexDelimitsParts(t *testing.T) {
	a := canonical.HashHexStrings("ab", "c")
	b := canonical.HashHexStrings("a", "bc")
	if a == b {
		t.Error("HashHex ambiguous across part boundaries")
	}
	if len(a) != 64 {
		t.Errorf("HashHex length = %d, want 64", len(a))
	}
	if a != canonical.HashHexStrings("ab", "c") {
		t.Error("HashHex not deterministic")
	}
}

func TestBase32NoPadding(t *testing.T) {
	got := canonical.Base32([]byte{0x01, 0x02, 0x03})
	if strings.Contains(got, "=") {
		t.Errorf("Base32(%q) contains padding", got)
	}
}
