package normalize

import (
	"testing"
)

func TestEmail(t *testing.T) {
	cases := map[string]string{
		" Test@Example.COM ": "test@example.com",
		"john@x.com":         "john@x.com",
		"   ":                "",
		"":                   "",
	}
	for in, want := range cases {
		if got := Email(in); got != want {
			t.Errorf("Email(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEmailIdempotent(t *testing.T) {
	inputs := []string{" Test@Example.COM ", "a@b.dk", "", "  MIXED@Case.Com"}
	for _, in := range inputs {
		once := Email(in)
		if twice := Email(once); twice != once {
			t.Errorf("Email not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestPhone(t *testing.T) {
	cases := map[string]string{
		"12 34 56 78":       "+4512345678",
		"+45 12 34 56 78":   "+4512345678",
		"(+45) 12 34 56 78": "+4512345678",
		"4512345678":        "+4512345678",
		"+4712345678":       "+4712345678",
		"555-0100":          "5550100",
		"abc":               "",
		"":                  "",
	}
	for in, want := range cases {
		if got := Phone(in); got != want {
			t.Errorf("Phone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPhoneIdempotent(t *testing.T) {
	for _, in := range []string{"12 34 56 78", "+45 12 34 56 78", "+4712345678", "555-0100"} {
		once := Phone(in)
		if twice := Phone(once); twice != once {
			t.Errorf("Phone not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestNameAndAddress(t *testing.T) {
	if got := Name("  John   Q.  Doe "); got != "john q. doe" {
		t.Errorf("Name = %q", got)
	}
	if got := Address("Ny  Østergade   4,\t2. sal"); got != "ny østergade 4, 2. sal" {
		t.Errorf("Address = %q", got)
	}
	if Name("   ") != "" || Address("") != "" {
		t.Error("blank name/address should normalize to absent")
	}
}

func TestPostalCode(t *testing.T) {
	cases := map[string]string{
		"dk-2100":  "DK-2100",
		" 2100 ":   "2100",
		"dk 2100":  "DK2100",
		"\t\n":     "",
	}
	for in, want := range cases {
		if got := PostalCode(in); got != want {
			t.Errorf("PostalCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPayloadDerivesOnlyPresentFields(t *testing.T) {
	n := Payload(map[string]string{
		"email":        " A@B.dk ",
		"phone":        "",
		"name":         "  Jane  Doe ",
		"service_type": "privat",
	})
	if len(n) != 2 {
		t.Fatalf("expected 2 normalized fields, got %d: %v", len(n), n)
	}
	if n["email"] != "a@b.dk" || n["name"] != "jane doe" {
		t.Errorf("unexpected normalized payload: %v", n)
	}
}

func TestEqual(t *testing.T) {
	if !Equal("email", "Test@Example.com", " test@example.COM ") {
		t.Error("casing/whitespace variants should compare equal")
	}
	if Equal("email", "", "") {
		t.Error("two absent values must not compare equal")
	}
	if !Equal("phone", "12 34 56 78", "+45 12 34 56 78") {
		t.Error("local and prefixed Danish numbers should compare equal")
	}
}
