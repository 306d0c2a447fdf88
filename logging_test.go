package aworld

import "testing"

func TestTruncateStr(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"overflowing", 4, "over"},
		{"héllo wörld", 5, "héllo"},
		{"", 3, ""},
	}
	for _, c := range cases {
		if got := truncateStr(c.in, c.n); got != c.want {
			t.Errorf("truncateStr(%q, %d) = %q, want %q", c.in, c.n, got, c.want)
		}
	}
}

func TestSanitizeUTF8(t *testing.T) {
	if got := sanitizeUTF8("clean"); got != "clean" {
		t.Errorf("sanitizeUTF8(clean) = %q", got)
	}
	if got := sanitizeUTF8("bad\xffbyte"); got != "bad�byte" {
		t.Errorf("sanitizeUTF8 = %q, want the invalid byte replaced", got)
	}
}
