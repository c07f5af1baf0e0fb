package textutil

import "testing"

func TestSanitizePlainText(t *testing.T) {
	cases := map[string]struct {
		in   string
		max  int
		want string
	}{
		"markup":     {in: `Ring the <b>bell</b><script>alert(1)</script>`, want: "Ring the bell"},
		"whitespace": {in: "  leave at\n\n door  ", want: "leave at door"},
		"entities":   {in: "Tom &amp; Jerry's", want: "Tom & Jerry's"},
		"truncate":   {in: "abcdefgh", max: 5, want: "abcde"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := SanitizePlainText(tc.in, tc.max); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}
