package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"sevStepLib/engine"
)

//abort if we are stuck in a zero stepping "loop"
const zeroStepAbortThresh = 10

//DetectMemArgHandler single steps the victim while write-tracking all guest
//pages. Every write fault observed between two single steps reveals a page the
//currently executing function writes to. Consuming: the handler acks each
//internal event itself and runs until maxSteps instructions were retired, then
//disables stepping and write tracking and hands the final event back to the
//chain. Expects the pending event to be the fault that entered the function
//under observation.
type DetectMemArgHandler struct {
	apicTimerValue  uint32
	steppingGPAs    []uint64
	maxSteps        int
	perEventTimeout time.Duration
	writeFaults     map[uint64]int
	debugLog        *log.Logger
}

func NewDetectMemArgHandler(apicTimerValue uint32, steppingGPAs []uint64, maxSteps int, perEventTimeout time.Duration, debugLog *log.Logger) *DetectMemArgHandler {
	if debugLog == nil {
		debugLog = log.New(io.Discard, "", 0)
	}
	return &DetectMemArgHandler{
		apicTimerValue:  apicTimerValue,
		steppingGPAs:    steppingGPAs,
		maxSteps:        maxSteps,
		perEventTimeout: perEventTimeout,
		writeFaults:     make(map[uint64]int),
		debugLog:        debugLog,
	}
}

//WriteFaults maps page aligned GPAs to the number of write faults observed on
//them while stepping
func (h *DetectMemArgHandler) WriteFaults() map[uint64]int {
	return h.writeFaults
}

func (h *DetectMemArgHandler) Process(ev engine.Event, drv engine.Driver, ctx *engine.Context) (engine.Outcome, error) {
	if err := drv.TrackAllPages(engine.TrackWrite); err != nil {
		return engine.Outcome{}, fmt.Errorf("failed to write-track all pages : %v", err)
	}
	if err := drv.StartStepping(h.apicTimerValue, h.steppingGPAs); err != nil {
		return engine.Outcome{}, fmt.Errorf("failed to start stepping : %v", err)
	}

	stepCounter := 0
	consecutiveZeroSteps := 0
	firstIteration := true
	for {
		if !firstIteration {
			if err := drv.AckEvent(ev.ID()); err != nil {
				return engine.Outcome{}, fmt.Errorf("failed to ack event %v : %v", ev.ID(), err)
			}
			var err error
			ev, err = drv.NextEvent(context.Background(), h.perEventTimeout)
			if err != nil {
				return engine.Outcome{}, fmt.Errorf("failed to get next event : %w", err)
			}
		} else {
			firstIteration = false
		}

		switch e := ev.(type) {
		case *engine.PageFaultEvent:
			page := e.GPA &^ 0xfff
			h.writeFaults[page]++
			h.debugLog.Printf("%v: write fault at gpa 0x%x (page 0x%x)", h.Name(), e.GPA, page)
		case *engine.StepEvent:
			if e.RetiredInstructions == 0 {
				consecutiveZeroSteps++
				if consecutiveZeroSteps > zeroStepAbortThresh {
					h.cleanup(drv)
					return engine.Outcome{
						Action:      engine.ActionAbort,
						Event:       ev,
						Consumed:    true,
						AbortReason: fmt.Sprintf("got %v consecutive zero steps", consecutiveZeroSteps),
					}, nil
				}
				continue
			}
			consecutiveZeroSteps = 0
			stepCounter++
			if stepCounter >= h.maxSteps {
				if err := h.cleanup(drv); err != nil {
					return engine.Outcome{}, err
				}
				return engine.Outcome{Action: engine.ActionNext, Event: ev, Consumed: true}, nil
			}
		}
	}
}

func (h *DetectMemArgHandler) cleanup(drv engine.Driver) error {
	if err := drv.StopStepping(); err != nil {
		return fmt.Errorf("failed to stop stepping : %v", err)
	}
	if err := drv.UntrackAllPages(engine.TrackWrite); err != nil {
		return fmt.Errorf("failed to remove write tracking : %v", err)
	}
	return nil
}

func (h *DetectMemArgHandler) Name() string {
	return "DetectMemArgHandler"
}
