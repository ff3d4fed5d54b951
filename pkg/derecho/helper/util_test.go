package helper

import "testing"

func Test_CeilDiv(t *testing.T) {
	cases := []struct {
		a, b, want int
	}{
		{5, 2, 3},
		{4, 2, 2},
		{1, 1, 1},
		{0, 3, 0},
		{7, 0, 0},
	}
	for _, c := range cases {
		if got := CeilDiv(c.a, c.b); got != c.want {
			t.Errorf("CeilDiv(%d, %d) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func Test_PartitionThreshold(t *testing.T) {
	// 5 members, none left: more than half unreachable means 3+ failed.
	if got := CeilDiv(5+1, 2); got != 3 {
		t.Errorf("threshold for 5 members = %d, want 3", got)
	}
}

func Test_MinMaxInt64(t *testing.T) {
	if MinInt64(3, 7) != 3 {
		t.Errorf("MinInt64(3, 7) should be 3")
	}
	if MaxInt64(3, 7) != 7 {
		t.Errorf("MaxInt64(3, 7) should be 7")
	}
}

func Test_GenerateUIDIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateUID()
		if seen[id] {
			t.Fatalf("duplicate uid generated: %s", id)
		}
		seen[id] = true
	}
}
