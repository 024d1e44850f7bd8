package engine

import (
	"fmt"
	"io"
	"log"
)

//CtxKeyCurrentGPA holds the GPA of the last page fault seen by RetrackGPASet
const CtxKeyCurrentGPA = "RetrackGPASet_Current_GPA"

//RetrackGPASet is a filter that keeps a set of GPAs tracked: a fault on one of
//them is re-tracked upon the next page fault event. It does not break tracking
//loops where the VM makes no progress. Assumes the pages are initially tracked.
type RetrackGPASet struct {
	gpas           map[uint64]bool
	trackMode      PageTrackMode
	gpaForRetrack  uint64
	haveRetrackGPA bool
	iterationCount int
	//maxIterations of 0 means unlimited, otherwise the handler completes the
	//chain after this many page fault events
	maxIterations int
}

func NewRetrackGPASet(gpas []uint64, trackMode PageTrackMode, maxIterations int) *RetrackGPASet {
	set := make(map[uint64]bool, len(gpas))
	for _, gpa := range gpas {
		set[gpa] = true
	}
	return &RetrackGPASet{gpas: set, trackMode: trackMode, maxIterations: maxIterations}
}

func (h *RetrackGPASet) Process(ev Event, drv Driver, ctx *Context) (Outcome, error) {
	pfEvent, ok := ev.(*PageFaultEvent)
	if !ok {
		return Outcome{Action: ActionNext, Event: ev}, nil
	}

	if err := ctx.PutUint64(CtxKeyCurrentGPA, pfEvent.GPA); err != nil {
		return Outcome{}, err
	}

	if h.haveRetrackGPA {
		if h.gpaForRetrack == pfEvent.GPA {
			return Outcome{}, fmt.Errorf("got second fault for gpa 0x%x before re-track", pfEvent.GPA)
		}
		if err := drv.TrackPage(h.gpaForRetrack, h.trackMode); err != nil {
			return Outcome{}, fmt.Errorf("failed to re-track gpa 0x%x : %v", h.gpaForRetrack, err)
		}
		h.haveRetrackGPA = false
	}

	if h.gpas[pfEvent.GPA] {
		h.gpaForRetrack = pfEvent.GPA
		h.haveRetrackGPA = true
	}

	h.iterationCount++
	if h.maxIterations > 0 && h.iterationCount >= h.maxIterations {
		return Outcome{Action: ActionChainComplete, Event: ev}, nil
	}
	return Outcome{Action: ActionNext, Event: ev}, nil
}

func (h *RetrackGPASet) Name() string {
	return "RetrackGPASet"
}

//SkipIfNotOnTargetGPAs is a filter that confines single stepping to a set of
//target pages: while the victim executes elsewhere it returns ActionSkip, so the
//rest of the chain only ever runs while the victim is on the target pages.
//Entering the target pages enables stepping and tracks all other pages; leaving
//them disables stepping and re-tracks the targets.
type SkipIfNotOnTargetGPAs struct {
	onVictimPages bool
	targetGPAs    map[uint64]bool
	trackMode     PageTrackMode
	timerValue    uint32
	debugLog      *log.Logger
}

func NewSkipIfNotOnTargetGPAs(targetGPAs []uint64, trackMode PageTrackMode, apicTimerValue uint32, debugLog *log.Logger) *SkipIfNotOnTargetGPAs {
	if debugLog == nil {
		debugLog = log.New(io.Discard, "", 0)
	}
	set := make(map[uint64]bool, len(targetGPAs))
	for _, gpa := range targetGPAs {
		set[gpa] = true
	}
	return &SkipIfNotOnTargetGPAs{
		targetGPAs: set,
		trackMode:  trackMode,
		timerValue: apicTimerValue,
		debugLog:   debugLog,
	}
}

func (h *SkipIfNotOnTargetGPAs) Process(ev Event, drv Driver, ctx *Context) (Outcome, error) {
	pfEvent, ok := ev.(*PageFaultEvent)
	if !ok {
		return Outcome{Action: ActionNext, Event: ev}, nil
	}

	if h.onVictimPages {
		if h.targetGPAs[pfEvent.GPA] {
			return Outcome{}, fmt.Errorf("assumed to be on victim pages but got fault for victim page 0x%x, this should never happen", pfEvent.GPA)
		}
		h.debugLog.Printf("left victim pages with fault at gpa 0x%x, disabling stepping and re-tracking victim pages", pfEvent.GPA)
		if err := drv.StopStepping(); err != nil {
			return Outcome{}, fmt.Errorf("failed to stop stepping : %v", err)
		}
		if err := drv.UntrackAllPages(h.trackMode); err != nil {
			return Outcome{}, fmt.Errorf("failed to untrack all pages : %v", err)
		}
		for gpa := range h.targetGPAs {
			if err := drv.TrackPage(gpa, h.trackMode); err != nil {
				return Outcome{}, fmt.Errorf("failed to re-track target gpa 0x%x : %v", gpa, err)
			}
		}
		h.onVictimPages = false
	} else if h.targetGPAs[pfEvent.GPA] {
		h.debugLog.Printf("entering victim pages, enabling stepping and tracking all but the target gpas")
		if err := drv.TrackAllPages(h.trackMode); err != nil {
			return Outcome{}, fmt.Errorf("failed to track all pages : %v", err)
		}
		gpas := make([]uint64, 0, len(h.targetGPAs))
		for gpa := range h.targetGPAs {
			if err := drv.UntrackPage(gpa, h.trackMode); err != nil {
				return Outcome{}, fmt.Errorf("failed to untrack gpa 0x%x : %v", gpa, err)
			}
			gpas = append(gpas, gpa)
		}
		if err := drv.StartStepping(h.timerValue, gpas); err != nil {
			return Outcome{}, fmt.Errorf("failed to start stepping : %v", err)
		}
		h.onVictimPages = true
	} else {
		h.debugLog.Printf("not on victim pages, fault at 0x%x is also off target", pfEvent.GPA)
	}

	if h.onVictimPages {
		return Outcome{Action: ActionNext, Event: ev}, nil
	}
	return Outcome{Action: ActionSkip, Event: ev}, nil
}

func (h *SkipIfNotOnTargetGPAs) Name() string {
	return "SkipIfNotOnTargetGPAs"
}

//BuildStepHistogram is a filter that counts step events by their retired
//instruction count. Useful to detect multi steps and to leak instruction counts
//of secret dependent control flow.
type BuildStepHistogram struct {
	histogram    map[uint64]uint64
	eventCounter int
}

func NewBuildStepHistogram() *BuildStepHistogram {
	return &BuildStepHistogram{histogram: make(map[uint64]uint64)}
}

//Values maps encountered step sizes to their occurrence count
func (h *BuildStepHistogram) Values() map[uint64]uint64 {
	return h.histogram
}

func (h *BuildStepHistogram) String() string {
	return fmt.Sprintf("%v", h.histogram)
}

func (h *BuildStepHistogram) Process(ev Event, drv Driver, ctx *Context) (Outcome, error) {
	stepEvent, ok := ev.(*StepEvent)
	if !ok {
		return Outcome{Action: ActionNext, Event: ev}, nil
	}
	h.histogram[stepEvent.RetiredInstructions]++
	h.eventCounter++
	return Outcome{Action: ActionNext, Event: ev}, nil
}

func (h *BuildStepHistogram) Name() string {
	return "BuildStepHistogram"
}

//CtxKeyStepCounter holds the single step count maintained by StopAfterNSingleSteps
const CtxKeyStepCounter = "StopAfterNSingleSteps_Step_Counter"

//StopAfterNSingleSteps is a filter that counts proper single steps (zero steps
//are discarded) and completes the chain once the threshold is exceeded. If
//expectedRIPValues is non-empty, the RIP of each step is compared against it;
//this requires the VM to run in debug mode.
type StopAfterNSingleSteps struct {
	stepCounter       int
	abortThresh       int
	expectedRIPValues []uint64
	debugLog          *log.Logger
}

func NewStopAfterNSingleSteps(n int, expectedRIPValues []uint64, debugLog *log.Logger) *StopAfterNSingleSteps {
	if debugLog == nil {
		debugLog = log.New(io.Discard, "", 0)
	}
	return &StopAfterNSingleSteps{abortThresh: n, expectedRIPValues: expectedRIPValues, debugLog: debugLog}
}

func (h *StopAfterNSingleSteps) Process(ev Event, drv Driver, ctx *Context) (Outcome, error) {
	stepEvent, ok := ev.(*StepEvent)
	if !ok {
		return Outcome{Action: ActionNext, Event: ev}, nil
	}

	h.debugLog.Printf("step counter %v, retired instructions %v, thresh %v", h.stepCounter, stepEvent.RetiredInstructions, h.abortThresh)
	if stepEvent.RetiredInstructions == 0 {
		return Outcome{Action: ActionNext, Event: ev}, nil
	}

	if len(h.expectedRIPValues) > h.stepCounter {
		want := h.expectedRIPValues[h.stepCounter]
		if want != stepEvent.RIP {
			return Outcome{}, fmt.Errorf("at step %v, expected RIP 0x%x got 0x%x", h.stepCounter+1, want, stepEvent.RIP)
		}
	}

	h.stepCounter++
	if err := ctx.PutUint64(CtxKeyStepCounter, uint64(h.stepCounter)); err != nil {
		return Outcome{}, err
	}

	if h.stepCounter > h.abortThresh {
		h.debugLog.Printf("reached step threshold")
		return Outcome{Action: ActionChainComplete, Event: ev}, nil
	}
	return Outcome{Action: ActionNext, Event: ev}, nil
}

func (h *StopAfterNSingleSteps) Name() string {
	return "StopAfterNSingleSteps"
}
