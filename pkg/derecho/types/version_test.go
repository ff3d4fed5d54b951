package types

import "testing"

func Test_PackUnpackVersionRoundTrip(t *testing.T) {
	cases := []struct {
		vid Vid
		seq int64
	}{
		{0, 0},
		{1, 42},
		{7, -1},
		{1000, 123456},
	}
	for _, c := range cases {
		packed := PackVersion(c.vid, c.seq)
		gotVid, gotSeq := UnpackVersion(packed)
		if gotVid != c.vid || gotSeq != c.seq {
			t.Errorf("PackVersion(%d, %d) round-tripped to (%d, %d)", c.vid, c.seq, gotVid, gotSeq)
		}
	}
}

func Test_ExceptionFatalKinds(t *testing.T) {
	fatal := []ExceptionKind{PartitionAbort, IDInUse, VersionMismatch}
	for _, k := range fatal {
		e := NewException(k, "boom")
		if !e.Fatal() {
			t.Errorf("%v should be fatal", k)
		}
	}

	recoverable := []ExceptionKind{NodeFailure, LeaderCrashDuringJoin, TooManyPendingChanges, InadequateProvisioning, RemoteRPCException}
	for _, k := range recoverable {
		e := NewException(k, "boom")
		if e.Fatal() {
			t.Errorf("%v should not be fatal", k)
		}
	}
}
