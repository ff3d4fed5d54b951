package helper

import (
	"sync"
	"testing"

	"go.uber.org/goleak"
)

func Test_OneWayFlagStartsUnset(t *testing.T) {
	defer goleak.VerifyNone(t)
	var f OneWayFlag
	if f.IsSet() {
		t.Errorf("fresh flag should not be set")
	}
}

func Test_OneWayFlagOnlyOneSetterWins(t *testing.T) {
	defer goleak.VerifyNone(t)
	var f OneWayFlag
	wg := &sync.WaitGroup{}
	var wins int32
	var mu sync.Mutex

	wg.Add(50)
	for i := 0; i < 50; i++ {
		go func() {
			defer wg.Done()
			if f.Set() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one winning Set, got %d", wins)
	}
	if !f.IsSet() {
		t.Errorf("flag should be set after Set")
	}
}
