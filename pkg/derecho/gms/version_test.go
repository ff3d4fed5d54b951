package gms

import "testing"

func Test_CompatibleVersion(t *testing.T) {
	cases := []struct {
		leader, joiner string
		want           bool
	}{
		{"1.2.0", "1.5.3", true},
		{"1.0.0", "2.0.0", false},
		{"2.1.0", "2.0.0", true},
		{"1.0.0", "not-a-version", false},
	}
	for _, c := range cases {
		if got := compatibleVersion(c.leader, c.joiner); got != c.want {
			t.Errorf("compatibleVersion(%q, %q) = %v, want %v", c.leader, c.joiner, got, c.want)
		}
	}
}
