package multicast

import (
	"testing"
	"time"
)

func Test_DedupCacheFirstSeenThenDuplicate(t *testing.T) {
	d := newDedupCache(time.Minute)
	defer d.close()

	if !d.markDelivered(1, 10) {
		t.Errorf("first delivery of (1, 10) should be reported as new")
	}
	if d.markDelivered(1, 10) {
		t.Errorf("replaying (1, 10) should be reported as a duplicate")
	}
	if !d.markDelivered(1, 11) {
		t.Errorf("a distinct sequence number should not be treated as a duplicate")
	}
	if !d.markDelivered(2, 10) {
		t.Errorf("the same sequence number in a different subgroup should not be treated as a duplicate")
	}
}
