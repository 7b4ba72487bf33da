package trigger

import (
	"sync"
	"testing"
)

func TestDefaultState(t *testing.T) {
	if New(false).State() {
		t.Error("New(false) should start disabled")
	}
	if !New(true).State() {
		t.Error("New(true) should start enabled")
	}
	var zero Trigger
	if zero.State() {
		t.Error("zero Trigger should be disabled")
	}
}

func TestUpdateIdempotent(t *testing.T) {
	tr := New(false)

	if !tr.Update(true) {
		t.Error("first Update(true) should report a change")
	}
	if tr.Update(true) {
		t.Error("second Update(true) should be a no-op")
	}
	if !tr.State() {
		t.Fatal("expected enabled after Update(true) twice")
	}

	if !tr.Update(false) {
		t.Error("first Update(false) should report a change")
	}
	if tr.Update(false) {
		t.Error("second Update(false) should be a no-op")
	}
	if tr.State() {
		t.Fatal("expected disabled after Update(false) twice")
	}
}

func TestConcurrentUpdates(t *testing.T) {
	tr := New(false)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(on bool) {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				tr.Update(on)
				_ = tr.State()
			}
		}(i%2 == 0)
	}
	wg.Wait()
	tr.Update(true)
	if !tr.State() {
		t.Error("final Update(true) not visible")
	}
}
