package restart

import (
	"testing"

	"github.com/dsrocha/derecho/pkg/derecho/types"
)

func Test_RagedTrimToLatestVersion(t *testing.T) {
	// Three senders each contributed 5, 3, and 4 rounds: the last
	// complete round across all of them is bounded by the slowest, 3.
	v := RagedTrimToLatestVersion(7, []int64{5, 3, 4})
	vid, seq := types.UnpackVersion(v)
	if vid != 7 {
		t.Errorf("expected vid 7, got %d", vid)
	}
	if want := int64(3*3 - 1); seq != want {
		t.Errorf("expected seq %d, got %d", want, seq)
	}
}

func Test_RagedTrimToLatestVersionEmpty(t *testing.T) {
	v := RagedTrimToLatestVersion(1, nil)
	vid, seq := types.UnpackVersion(v)
	if vid != 1 || seq != -1 {
		t.Errorf("empty sender list should trim to (vid, -1), got (%d, %d)", vid, seq)
	}
}

func Test_LogLengthSumsSenders(t *testing.T) {
	trim := types.RaggedTrim{MaxReceivedBySender: []int64{2, 3, 4}}
	if got := logLength(trim); got != 9 {
		t.Errorf("expected total log length 9, got %d", got)
	}
}
