package main

import (
	"testing"

	"github.com/TobiSchelling/phasestat/internal/phase"
)

func TestParseCounts(t *testing.T) {
	counts, err := parseCounts("97, 218,299,386")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts[phase.Transformation] != 97 || counts[phase.Integration] != 386 {
		t.Errorf("unexpected counts: %v", counts)
	}
	if counts.Total() != 1000 {
		t.Errorf("expected total 1000, got %d", counts.Total())
	}
}

func TestParseCountsErrors(t *testing.T) {
	for _, in := range []string{"", "1,2,3", "1,2,3,4,5", "1,x,3,4", "1,-2,3,4"} {
		if _, err := parseCounts(in); err == nil {
			t.Errorf("parseCounts(%q): expected error", in)
		}
	}
}

func TestOptional(t *testing.T) {
	if optional("") != nil {
		t.Error("expected nil for empty string")
	}
	if v := optional("2025-08-01"); v == nil || *v != "2025-08-01" {
		t.Errorf("unexpected value: %v", v)
	}
}
