package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"
)

//Consuming handlers ("sub-programs"). They run a private event loop against the
//driver that is invisible to the surrounding chain: each consumed event is acked
//before the next one is pulled, and the final event is returned un-acked as the
//pending event, so the victim is halted in a well-defined state when the chain
//resumes. External cancellation is only observed at the next dispatch boundary.

//MatchingStrategy configures how SkipUntilPageFaultSequence treats page faults
//that interrupt the expected sequence
type MatchingStrategy int

const (
	//MatchStrictReset resets progress to the start of the sequence on an unexpected fault
	MatchStrictReset MatchingStrategy = iota
	//MatchStrictAbort aborts the run on an unexpected fault
	MatchStrictAbort
	//MatchScattered allows the sequence to be interrupted by other faults
	MatchScattered
)

//SkipUntilPageFaultSequence consumes events until the given page fault sequence
//has been observed. Expects that tracking is already configured. Step events are
//consumed without affecting the matching progress.
type SkipUntilPageFaultSequence struct {
	idxNextPF  int
	pfSequence []uint64
	matching   MatchingStrategy
	//perEventTimeout bounds each internal wait, zero means wait forever
	perEventTimeout time.Duration
	debugLog        *log.Logger
}

func NewSkipUntilPageFaultSequence(pfSequence []uint64, matching MatchingStrategy, perEventTimeout time.Duration, debugLog *log.Logger) *SkipUntilPageFaultSequence {
	if debugLog == nil {
		debugLog = log.New(io.Discard, "", 0)
	}
	return &SkipUntilPageFaultSequence{
		pfSequence:      pfSequence,
		matching:        matching,
		perEventTimeout: perEventTimeout,
		debugLog:        debugLog,
	}
}

func (h *SkipUntilPageFaultSequence) Process(ev Event, drv Driver, ctx *Context) (Outcome, error) {
	if len(h.pfSequence) == 0 {
		return Outcome{Action: ActionNext, Event: ev, Consumed: true}, nil
	}

	firstIteration := true
	for {
		if !firstIteration {
			if err := drv.AckEvent(ev.ID()); err != nil {
				return Outcome{}, fmt.Errorf("failed to ack event %v : %v", ev.ID(), err)
			}
			var err error
			ev, err = drv.NextEvent(context.Background(), h.perEventTimeout)
			if err != nil {
				return Outcome{}, fmt.Errorf("failed to get next event : %w", err)
			}
		} else {
			firstIteration = false
		}

		pfEvent, ok := ev.(*PageFaultEvent)
		if !ok {
			h.debugLog.Printf("%v: consuming step event %v", h.Name(), ev)
			continue
		}

		expectedGPA := h.pfSequence[h.idxNextPF]
		if pfEvent.GPA == expectedGPA {
			h.debugLog.Printf("%v: got expected fault at 0x%x", h.Name(), pfEvent.GPA)
			h.idxNextPF++
		} else {
			switch h.matching {
			case MatchStrictReset:
				h.debugLog.Printf("%v: unexpected fault at 0x%x, resetting progress", h.Name(), pfEvent.GPA)
				h.idxNextPF = 0
			case MatchStrictAbort:
				return Outcome{
					Action:      ActionAbort,
					Event:       ev,
					Consumed:    true,
					AbortReason: fmt.Sprintf("strict matching requested and at sequence idx %v we got fault at gpa 0x%x instead of expected 0x%x", h.idxNextPF, pfEvent.GPA, expectedGPA),
				}, nil
			case MatchScattered:
				h.debugLog.Printf("%v: scattered matching, ignoring fault at 0x%x", h.Name(), pfEvent.GPA)
			}
		}

		if h.idxNextPF == len(h.pfSequence) {
			return Outcome{Action: ActionNext, Event: ev, Consumed: true}, nil
		}
	}
}

func (h *SkipUntilPageFaultSequence) Name() string {
	return "SkipUntilPageFaultSequence"
}

//zeroStepAbortThresh aborts zero stepping "loops" in SkipUntilNSingleSteps
const zeroStepAbortThresh = 10

//SkipUntilNSingleSteps consumes the next n proper single step events; page fault
//and zero step events are consumed without counting. Expects single stepping to
//be configured and does not disable it. If expectedRIPValues is non-empty, each
//counted step's RIP is compared against it (requires VM debug mode).
type SkipUntilNSingleSteps struct {
	stepCounter          int
	wantedStepCount      int
	expectedRIPValues    []uint64
	consecutiveZeroSteps int
	perEventTimeout      time.Duration
	debugLog             *log.Logger
}

func NewSkipUntilNSingleSteps(wantedStepCount int, expectedRIPValues []uint64, perEventTimeout time.Duration, debugLog *log.Logger) *SkipUntilNSingleSteps {
	if debugLog == nil {
		debugLog = log.New(io.Discard, "", 0)
	}
	return &SkipUntilNSingleSteps{
		wantedStepCount:   wantedStepCount,
		expectedRIPValues: expectedRIPValues,
		perEventTimeout:   perEventTimeout,
		debugLog:          debugLog,
	}
}

func (h *SkipUntilNSingleSteps) Process(ev Event, drv Driver, ctx *Context) (Outcome, error) {
	if h.wantedStepCount <= h.stepCounter {
		return Outcome{Action: ActionNext, Event: ev, Consumed: true}, nil
	}

	firstIteration := true
	for {
		if !firstIteration {
			if err := drv.AckEvent(ev.ID()); err != nil {
				return Outcome{}, fmt.Errorf("failed to ack event %v : %v", ev.ID(), err)
			}
			var err error
			ev, err = drv.NextEvent(context.Background(), h.perEventTimeout)
			if err != nil {
				return Outcome{}, fmt.Errorf("failed to get next event : %w", err)
			}
		} else {
			firstIteration = false
		}

		stepEvent, ok := ev.(*StepEvent)
		if !ok {
			h.debugLog.Printf("%v: consuming page fault event %v", h.Name(), ev)
			continue
		}

		if stepEvent.RetiredInstructions == 0 {
			h.consecutiveZeroSteps++
			if h.consecutiveZeroSteps > zeroStepAbortThresh {
				return Outcome{
					Action:      ActionAbort,
					Event:       ev,
					Consumed:    true,
					AbortReason: fmt.Sprintf("got %v consecutive zero steps", h.consecutiveZeroSteps),
				}, nil
			}
			h.debugLog.Printf("%v: got zero step %v", h.Name(), stepEvent)
			continue
		}
		h.consecutiveZeroSteps = 0

		if len(h.expectedRIPValues) > h.stepCounter {
			want := h.expectedRIPValues[h.stepCounter]
			if want != stepEvent.RIP {
				return Outcome{
					Action:      ActionAbort,
					Event:       ev,
					Consumed:    true,
					AbortReason: fmt.Sprintf("at step %v, expected RIP 0x%x got 0x%x", h.stepCounter+1, want, stepEvent.RIP),
				}, nil
			}
		}

		h.stepCounter++
		if h.stepCounter == h.wantedStepCount {
			return Outcome{Action: ActionNext, Event: ev, Consumed: true}, nil
		}
	}
}

func (h *SkipUntilNSingleSteps) Name() string {
	return "SkipUntilNSingleSteps"
}
