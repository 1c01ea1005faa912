package normalize

import "testing"

func TestCityBasic(t *testing.T) {
	cases := map[string]string{
		"Stockholm":     "stockholm",
		"STOCKHOLM":     "stockholm",
		"stockholm%20":  "stockholm",
		" Stockholm  ":  "stockholm",
		"G%C3%B6teborg": "g\xc3\xb6teborg", // Göteborg -> göteborg
	}
	for in, want := range cases {
		if got := City(in); got != want {
			t.Errorf("City(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCityIdempotent(t *testing.T) {
	inputs := []string{"Stockholm", "MALMÖ", "%C3%85re", "  Visby\t"}
	for _, in := range inputs {
		once := City(in)
		twice := City(once)
		if once != twice {
			t.Errorf("City not idempotent for %q: once=%q twice=%q", in, once, twice)
		}
	}
}

func TestContainsAringByte(t *testing.T) {
	if !ContainsAringByte("\xc3\x85re") { // Åre
		t.Error("expected Å to be detected")
	}
	if ContainsAringByte("Stockholm") {
		t.Error("did not expect Å in Stockholm")
	}
}

func TestApplyAringToAFallback(t *testing.T) {
	got := ApplyAringToAFallback("\xc3\xa5re") // åre (normalized form)
	want := "\xc3\xa4re"                       // äre
	if got != want {
		t.Errorf("ApplyAringToAFallback = %q, want %q", got, want)
	}
}
