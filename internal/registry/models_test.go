package registry

import "testing"

func TestFamilyForModel(t *testing.T) {
	cases := []struct {
		model string
		want  Family
	}{
		{"jimeng-4.0", FamilyJimeng40},
		{"jimeng-4.1", FamilyJimeng41},
		{"nanobanana", FamilyNanobanana},
		{"nanobananapro", FamilyNanobananaPro},
		{"video-3.0", FamilyVideo30},
		{"  JIMENG-4.0  ", FamilyJimeng40},
		{"gpt-4", FamilyUnknown},
		{"", FamilyUnknown},
	}
	for _, tc := range cases {
		if got := FamilyForModel(tc.model); got != tc.want {
			t.Errorf("FamilyForModel(%q) = %q, want %q", tc.model, got, tc.want)
		}
	}
}

func TestCreditBearing(t *testing.T) {
	if !FamilyNanobanana.CreditBearing() {
		t.Error("nanobanana should be credit-bearing")
	}
	if !FamilyNanobananaPro.CreditBearing() {
		t.Error("nanobananapro should be credit-bearing")
	}
	if FamilyJimeng40.CreditBearing() {
		t.Error("jimeng_4_0 should not be credit-bearing")
	}
	if FamilyUnknown.CreditBearing() {
		t.Error("unknown family should not be credit-bearing")
	}
}

func TestTracked(t *testing.T) {
	if FamilyUnknown.Tracked() {
		t.Error("unknown family should not be tracked")
	}
	for _, f := range Families() {
		if !f.Tracked() {
			t.Errorf("family %q should be tracked", f)
		}
	}
	if len(Families()) != 5 {
		t.Errorf("expected 5 tracked families, got %d", len(Families()))
	}
}
