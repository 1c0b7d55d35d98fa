package ordernum

import (
	"errors"
	"testing"
	"time"
)

func TestNext(t *testing.T) {
	tests := []struct {
		name string
		last string
		want string
	}{
		{"first of day", "202501010000", "202501010001"},
		{"carries digits", "202501010009", "202501010010"},
		{"mid range", "202512310999", "202512311000"},
		{"last allowed", "202501019998", "202501019999"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Next(tt.last)
			if err != nil {
				t.Fatalf("Next(%q) returned error: %v", tt.last, err)
			}
			if got != tt.want {
				t.Fatalf("Next(%q) = %q, want %q", tt.last, got, tt.want)
			}
		})
	}
}

func TestNextRefusesToWrap(t *testing.T) {
	if _, err := Next("202501019999"); !errors.Is(err, ErrSequenceExhausted) {
		t.Fatalf("expected ErrSequenceExhausted, got %v", err)
	}
}

func TestNextRejectsMalformedInput(t *testing.T) {
	for _, in := range []string{"", "20250101000", "2025010100001", "2025O1010000", "20250101-001"} {
		if _, err := Next(in); !errors.Is(err, ErrMalformed) {
			t.Fatalf("Next(%q): expected ErrMalformed, got %v", in, err)
		}
	}
}

func TestSentinel(t *testing.T) {
	day := time.Date(2025, time.March, 7, 23, 59, 0, 0, time.UTC)
	if got := Sentinel(day); got != "202503070000" {
		t.Fatalf("Sentinel = %q", got)
	}

	first, err := Next(Sentinel(day))
	if err != nil {
		t.Fatalf("Next(Sentinel) returned error: %v", err)
	}
	if first != "202503070001" {
		t.Fatalf("first order number = %q", first)
	}
}
