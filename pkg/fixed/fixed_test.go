package fixed

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"1", 100000000},
		{"0.5", 50000000},
		{"50000.12345678", 5000012345678},
		{"0.00000001", 1},
		{"-2.5", -250000000},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("Parse(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseRejects(t *testing.T) {
	for _, in := range []string{"", "abc", "1.2.3", "0.000000001"} {
		if _, err := Parse(in); err == nil {
			t.Fatalf("Parse(%q) should fail", in)
		}
	}
}

func TestFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"0", "1", "0.5", "50000.12345678", "0.00000001"} {
		v := MustParse(s)
		if got := Format(v); got != s {
			t.Fatalf("Format(Parse(%q)) = %q", s, got)
		}
	}
}

func TestFormatFull(t *testing.T) {
	if got := FormatFull(MustParse("1.5")); got != "1.50000000" {
		t.Fatalf("FormatFull = %q", got)
	}
	if got := FormatFull(0); got != "0.00000000" {
		t.Fatalf("FormatFull(0) = %q", got)
	}
}
