package hapuuid

import "testing"

func TestParseRoundTrip(t *testing.T) {
	const s = "0000003E-0000-1000-8000-0026BB765291"
	u, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := u.String(); got != "0000003e-0000-1000-8000-0026bb765291" {
		t.Errorf("String() = %q", got)
	}
}

func TestShortFormIsCoreDefined(t *testing.T) {
	u, err := Parse("3E")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !u.IsCoreDefined() {
		t.Errorf("expected short-form UUID to be core-defined")
	}
}

func TestCustomUUIDIsNotCoreDefined(t *testing.T) {
	u := MustParse("12345678-1234-5678-1234-56789ABCDEF0")
	if u.IsCoreDefined() {
		t.Errorf("expected custom UUID to not be core-defined")
	}
}

func TestEqual(t *testing.T) {
	a := MustParse("3E")
	b, _ := Parse("0000003E-0000-1000-8000-0026BB765291")
	if !a.Equal(b) {
		t.Errorf("expected short and long forms of the same UUID to be equal")
	}
}

func TestShortFormWidthIsIrrelevant(t *testing.T) {
	a := MustParse("43")
	b := MustParse("0043")
	c := MustParse("00000043")
	if !a.Equal(b) || !a.Equal(c) {
		t.Errorf("expected 2, 4 and 8 hex digit spellings of the same short-form value to be equal")
	}
	if !a.IsCoreDefined() {
		t.Errorf("expected short-form UUID to be core-defined")
	}
}

func TestShortFormRejectsOddLength(t *testing.T) {
	if _, err := Parse("A"); err == nil {
		t.Errorf("expected odd-length hex string to be rejected")
	}
}
