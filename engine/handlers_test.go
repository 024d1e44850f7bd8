package engine

import (
	"reflect"
	"testing"
)

func TestRetrackGPASetRetracksOnNextFault(t *testing.T) {
	drv := newFakeDriver()
	ctx := NewContext()
	h := NewRetrackGPASet([]uint64{0x5000}, TrackExec, 0)

	out, err := h.Process(pf(1, 0x5000), drv, ctx)
	if err != nil || out.Action != ActionNext {
		t.Fatalf("Unexpected result : %v %v", out.Action, err)
	}
	if len(drv.calls) != 0 {
		t.Fatalf("No re-track before the next fault, got %v", drv.calls)
	}

	if _, err := h.Process(pf(2, 0x6000), drv, ctx); err != nil {
		t.Fatalf("Unexpected error : %v", err)
	}
	if want := []string{"track 0x5000 exec"}; !reflect.DeepEqual(drv.calls, want) {
		t.Errorf("Expected %v, got %v", want, drv.calls)
	}

	gpa, err := ctx.Uint64(CtxKeyCurrentGPA)
	if err != nil || gpa != 0x6000 {
		t.Errorf("Context must hold the last faulted gpa, got 0x%x (err %v)", gpa, err)
	}
}

func TestRetrackGPASetSecondFaultWithoutRetrackFails(t *testing.T) {
	h := NewRetrackGPASet([]uint64{0x5000}, TrackExec, 0)
	drv := newFakeDriver()
	ctx := NewContext()

	if _, err := h.Process(pf(1, 0x5000), drv, ctx); err != nil {
		t.Fatalf("Unexpected error : %v", err)
	}
	if _, err := h.Process(pf(2, 0x5000), drv, ctx); err == nil {
		t.Fatalf("A second fault for the same gpa before re-tracking must fail")
	}
}

func TestRetrackGPASetCompletesAfterMaxIterations(t *testing.T) {
	h := NewRetrackGPASet([]uint64{0x5000}, TrackExec, 2)
	drv := newFakeDriver()
	ctx := NewContext()

	out, err := h.Process(pf(1, 0x6000), drv, ctx)
	if err != nil || out.Action != ActionNext {
		t.Fatalf("Unexpected result : %v %v", out.Action, err)
	}
	out, err = h.Process(pf(2, 0x7000), drv, ctx)
	if err != nil {
		t.Fatalf("Unexpected error : %v", err)
	}
	if out.Action != ActionChainComplete {
		t.Errorf("Expected ActionChainComplete after max iterations, got %v", out.Action)
	}
}

func TestRetrackGPASetIgnoresStepEvents(t *testing.T) {
	h := NewRetrackGPASet([]uint64{0x5000}, TrackExec, 1)
	out, err := h.Process(step(1, 0x400000, 1), newFakeDriver(), NewContext())
	if err != nil || out.Action != ActionNext {
		t.Fatalf("Step events must pass through, got %v %v", out.Action, err)
	}
}

func TestSkipIfNotOnTargetGPAsTogglesStepping(t *testing.T) {
	drv := newFakeDriver()
	ctx := NewContext()
	h := NewSkipIfNotOnTargetGPAs([]uint64{0x5000}, TrackExec, 42, nil)

	//off target: skip, no api calls
	out, err := h.Process(pf(1, 0x9000), drv, ctx)
	if err != nil || out.Action != ActionSkip {
		t.Fatalf("Expected ActionSkip off target, got %v %v", out.Action, err)
	}
	if len(drv.calls) != 0 {
		t.Fatalf("No api calls expected while off target, got %v", drv.calls)
	}

	//entering target pages: track all, untrack targets, start stepping
	out, err = h.Process(pf(2, 0x5000), drv, ctx)
	if err != nil || out.Action != ActionNext {
		t.Fatalf("Expected ActionNext on target, got %v %v", out.Action, err)
	}
	want := []string{"trackAll exec", "untrack 0x5000 exec", "startStepping 42"}
	if !reflect.DeepEqual(drv.calls, want) {
		t.Fatalf("Expected %v, got %v", want, drv.calls)
	}

	//leaving target pages: stop stepping, re-track targets
	drv.calls = nil
	out, err = h.Process(pf(3, 0x9000), drv, ctx)
	if err != nil || out.Action != ActionSkip {
		t.Fatalf("Expected ActionSkip after leaving, got %v %v", out.Action, err)
	}
	want = []string{"stopStepping", "untrackAll exec", "track 0x5000 exec"}
	if !reflect.DeepEqual(drv.calls, want) {
		t.Errorf("Expected %v, got %v", want, drv.calls)
	}
}

func TestSkipIfNotOnTargetGPAsFaultForTargetWhileOnTargetFails(t *testing.T) {
	drv := newFakeDriver()
	ctx := NewContext()
	h := NewSkipIfNotOnTargetGPAs([]uint64{0x5000}, TrackExec, 42, nil)

	if _, err := h.Process(pf(1, 0x5000), drv, ctx); err != nil {
		t.Fatalf("Unexpected error : %v", err)
	}
	if _, err := h.Process(pf(2, 0x5000), drv, ctx); err == nil {
		t.Fatalf("A target fault while on the target pages must fail")
	}
}

func TestBuildStepHistogramCountsRetiredInstructions(t *testing.T) {
	h := NewBuildStepHistogram()
	drv := newFakeDriver()
	ctx := NewContext()

	events := []Event{
		step(1, 0x400000, 1),
		step(2, 0x400001, 1),
		step(3, 0x400002, 0),
		pf(4, 0x5000),
		step(5, 0x400003, 3),
	}
	for _, ev := range events {
		out, err := h.Process(ev, drv, ctx)
		if err != nil || out.Action != ActionNext {
			t.Fatalf("Unexpected result : %v %v", out.Action, err)
		}
	}

	want := map[uint64]uint64{0: 1, 1: 2, 3: 1}
	if !reflect.DeepEqual(h.Values(), want) {
		t.Errorf("Expected histogram %v, got %v", want, h.Values())
	}
}

func TestStopAfterNSingleStepsCompletesChain(t *testing.T) {
	h := NewStopAfterNSingleSteps(2, nil, nil)
	drv := newFakeDriver()
	ctx := NewContext()

	//zero steps are discarded
	for _, ev := range []Event{step(1, 0x400000, 0), pf(2, 0x5000), step(3, 0x400000, 1), step(4, 0x400001, 1)} {
		out, err := h.Process(ev, drv, ctx)
		if err != nil {
			t.Fatalf("Unexpected error : %v", err)
		}
		if out.Action != ActionNext {
			t.Fatalf("Expected ActionNext below the threshold, got %v", out.Action)
		}
	}

	out, err := h.Process(step(5, 0x400002, 1), drv, ctx)
	if err != nil {
		t.Fatalf("Unexpected error : %v", err)
	}
	if out.Action != ActionChainComplete {
		t.Errorf("Expected ActionChainComplete above the threshold, got %v", out.Action)
	}

	steps, err := ctx.Uint64(CtxKeyStepCounter)
	if err != nil || steps != 3 {
		t.Errorf("Context must hold the step count, got %v (err %v)", steps, err)
	}
}

func TestStopAfterNSingleStepsChecksExpectedRIPs(t *testing.T) {
	h := NewStopAfterNSingleSteps(5, []uint64{0x400000, 0x400004}, nil)
	drv := newFakeDriver()
	ctx := NewContext()

	if _, err := h.Process(step(1, 0x400000, 1), drv, ctx); err != nil {
		t.Fatalf("Unexpected error on matching RIP : %v", err)
	}
	if _, err := h.Process(step(2, 0xdead, 1), drv, ctx); err == nil {
		t.Fatalf("A RIP mismatch must fail the run")
	}
}
