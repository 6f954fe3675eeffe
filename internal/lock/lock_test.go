package lock

import "testing"

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 64); got != "short" {
		t.Fatalf("got %q", got)
	}
	if got := Truncate("abcdef", 4); got != "abcd" {
		t.Fatalf("got %q", got)
	}
	if got := Truncate("anything", 0); got != "anything" {
		t.Fatalf("non-positive max must not truncate, got %q", got)
	}
}

func TestHistoryCreateName(t *testing.T) {
	if got := HistoryCreateName(42); got != "history_create_42" {
		t.Fatalf("got %q", got)
	}
}
