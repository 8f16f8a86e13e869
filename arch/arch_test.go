package arch

import "testing"

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := map[string]Architecture{
		"amd64":   AMD64,
		"x86_64":  AMD64,
		" AMD64 ": AMD64,
		"i386":    I386,
		"i686":    I386,
		"sparc64": "",
		"":        "",
	}
	for input, want := range cases {
		if got := Normalize(input); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestParseRejectsUnknownPort(t *testing.T) {
	t.Parallel()

	if _, err := Parse("evbarm"); err == nil {
		t.Fatal("Parse() error = nil, want unsupported architecture")
	}
	got, err := Parse("x86-64")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !got.IsValid() || got != AMD64 {
		t.Fatalf("Parse() = %q, want %q", got, AMD64)
	}
}
