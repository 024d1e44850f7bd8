package engine

import (
	"reflect"
	"strings"
	"testing"
)

func TestSkipUntilPageFaultSequenceScattered(t *testing.T) {
	drv := newFakeDriver(pf(2, 0x9000), step(3, 0x400000, 1), pf(4, 0x2000), pf(5, 0x3000))
	h := NewSkipUntilPageFaultSequence([]uint64{0x1000, 0x2000, 0x3000}, MatchScattered, 0, nil)

	out, err := h.Process(pf(1, 0x1000), drv, NewContext())
	if err != nil {
		t.Fatalf("Unexpected error : %v", err)
	}
	if out.Action != ActionNext || !out.Consumed {
		t.Fatalf("Expected consuming ActionNext, got %v consumed=%v", out.Action, out.Consumed)
	}
	if out.Event.ID() != 5 {
		t.Errorf("Pending event must be the final sequence fault, got %v", out.Event)
	}
	//all consumed events are acked, the final one stays pending
	if want := []uint64{1, 2, 3, 4}; !reflect.DeepEqual(drv.acked, want) {
		t.Errorf("Expected acks %v, got %v", want, drv.acked)
	}
	if len(drv.events) != 0 {
		t.Errorf("All scripted events should have been consumed, %v left", len(drv.events))
	}
}

func TestSkipUntilPageFaultSequenceStrictResetRestartsProgress(t *testing.T) {
	//0x1000 followed by an interloper resets progress, so the sequence must be
	//observed again from the start
	drv := newFakeDriver(pf(2, 0x9000), pf(3, 0x1000), pf(4, 0x2000))
	h := NewSkipUntilPageFaultSequence([]uint64{0x1000, 0x2000}, MatchStrictReset, 0, nil)

	out, err := h.Process(pf(1, 0x1000), drv, NewContext())
	if err != nil {
		t.Fatalf("Unexpected error : %v", err)
	}
	if out.Event.ID() != 4 {
		t.Errorf("Expected the sequence to complete on event 4, pending is %v", out.Event)
	}
}

func TestSkipUntilPageFaultSequenceStrictAbortAborts(t *testing.T) {
	drv := newFakeDriver()
	h := NewSkipUntilPageFaultSequence([]uint64{0x1000, 0x2000}, MatchStrictAbort, 0, nil)

	out, err := h.Process(pf(1, 0x9000), drv, NewContext())
	if err != nil {
		t.Fatalf("Unexpected error : %v", err)
	}
	if out.Action != ActionAbort {
		t.Fatalf("Expected ActionAbort on an unexpected fault, got %v", out.Action)
	}
	if !strings.Contains(out.AbortReason, "0x9000") {
		t.Errorf("Abort reason should name the unexpected gpa, got %q", out.AbortReason)
	}
}

func TestSkipUntilNSingleStepsCountsOnlyProperSteps(t *testing.T) {
	drv := newFakeDriver(step(2, 0x400001, 0), pf(3, 0x5000), step(4, 0x400002, 1), step(5, 0x400003, 1))
	h := NewSkipUntilNSingleSteps(3, nil, 0, nil)

	out, err := h.Process(step(1, 0x400000, 1), drv, NewContext())
	if err != nil {
		t.Fatalf("Unexpected error : %v", err)
	}
	if out.Action != ActionNext || !out.Consumed {
		t.Fatalf("Expected consuming ActionNext, got %v consumed=%v", out.Action, out.Consumed)
	}
	if out.Event.ID() != 5 {
		t.Errorf("Pending event must be the third proper step, got %v", out.Event)
	}
	if want := []uint64{1, 2, 3, 4}; !reflect.DeepEqual(drv.acked, want) {
		t.Errorf("Expected acks %v, got %v", want, drv.acked)
	}
}

func TestSkipUntilNSingleStepsAbortsOnZeroStepLoop(t *testing.T) {
	zeroSteps := make([]Event, 0)
	for i := 0; i < zeroStepAbortThresh+1; i++ {
		zeroSteps = append(zeroSteps, step(uint64(i+2), 0x400000, 0))
	}
	drv := newFakeDriver(zeroSteps...)
	h := NewSkipUntilNSingleSteps(1, nil, 0, nil)

	out, err := h.Process(step(1, 0x400000, 0), drv, NewContext())
	if err != nil {
		t.Fatalf("Unexpected error : %v", err)
	}
	if out.Action != ActionAbort {
		t.Fatalf("Expected ActionAbort after a zero step loop, got %v", out.Action)
	}
	if !strings.Contains(out.AbortReason, "zero steps") {
		t.Errorf("Abort reason should mention zero steps, got %q", out.AbortReason)
	}
}

func TestSkipUntilNSingleStepsChecksExpectedRIPs(t *testing.T) {
	drv := newFakeDriver(step(2, 0xdead, 1))
	h := NewSkipUntilNSingleSteps(2, []uint64{0x400000, 0x400004}, 0, nil)

	out, err := h.Process(step(1, 0x400000, 1), drv, NewContext())
	if err != nil {
		t.Fatalf("Unexpected error : %v", err)
	}
	if out.Action != ActionAbort {
		t.Fatalf("Expected ActionAbort on RIP mismatch, got %v", out.Action)
	}
	if !strings.Contains(out.AbortReason, "0xdead") {
		t.Errorf("Abort reason should name the wrong RIP, got %q", out.AbortReason)
	}
}
