package reading_test

import (
	"testing"

	"github.com/edgectl/dispatcher/internal/reading"
)

func TestTypeDeduction(t *testing.T) {
	tests := []struct {
		value string
		want  reading.DataType
	}{
		{"1500", reading.TypeInteger},
		{"-42", reading.TypeInteger},
		{"2.5", reading.TypeFloat},
		{"1e3", reading.TypeFloat},
		{"auto", reading.TypeString},
		{"", reading.TypeString},
		{"12abc", reading.TypeString},
	}
	for _, tt := range tests {
		dp := reading.NewDatapoint("x", tt.value)
		if dp.Type != tt.want {
			t.Errorf("NewDatapoint(%q).Type = %v, want %v", tt.value, dp.Type, tt.want)
		}
	}
}

func TestCanonicalValue(t *testing.T) {
	tests := []struct {
		value string
		want  string
	}{
		{"1500", "1500"},
		{"2.50", "2.5"},
		{"auto", "auto"},
	}
	for _, tt := range tests {
		dp := reading.NewDatapoint("x", tt.value)
		if got := dp.Value(); got != tt.want {
			t.Errorf("Value(%q) = %q, want %q", tt.value, got, tt.want)
		}
	}
}

func TestSetCount(t *testing.T) {
	var s *reading.Set
	if s.Count() != 0 {
		t.Errorf("nil set Count() = %d, want 0", s.Count())
	}
	s = reading.NewSet(reading.New("a"), reading.New("b"))
	if s.Count() != 2 {
		t.Errorf("Count() = %d, want 2", s.Count())
	}
}
