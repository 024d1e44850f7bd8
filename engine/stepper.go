package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"
)

//InitialTracking describes the page tracking the stepper sets up before the
//first event is awaited
type InitialTracking struct {
	Mode PageTrackMode
	GPAs []uint64
}

//RunConfig configures one Stepper.Run invocation
type RunConfig struct {
	InitialTracking *InitialTracking
	//Trigger is executed once, right before waiting for the first event, to
	//kick off the victim behaviour under attack. May be nil.
	Trigger func() error
	//EventTimeout bounds each wait for the next event. Zero means wait forever.
	EventTimeout time.Duration
}

//Stepper executes an ordered set of chains, one chain at a time. It owns the
//run's Context and has exclusive access to the Driver: no two chains and no two
//handlers ever execute concurrently. A chain only becomes active once its
//predecessor has completed; the active index never decreases. Once the last
//chain completes, or a handler aborts, the stepper is terminal and a new run
//requires a new Stepper and Context.
type Stepper struct {
	drv      Driver
	chains   []*Chain
	active   int
	ctx      *Context
	terminal bool
	debugLog *log.Logger
}

func NewStepper(drv Driver, chains ...*Chain) *Stepper {
	s := &Stepper{
		drv:      drv,
		chains:   chains,
		ctx:      NewContext(),
		debugLog: log.New(io.Discard, "", 0),
	}
	//empty chains complete immediately upon activation, without consuming an event
	s.advanceOverEmptyChains()
	return s
}

//SetDebugLog enables verbose per-event logging
func (s *Stepper) SetDebugLog(l *log.Logger) {
	s.debugLog = l
}

//Context returns the store shared by all handlers of this run. Callers read
//results from it after the run has finished.
func (s *Stepper) Context() *Context {
	return s.ctx
}

//Terminal returns true once the last chain has completed or the run was aborted
func (s *Stepper) Terminal() bool {
	return s.terminal
}

//ActiveChain returns the currently active chain, or nil if the stepper is terminal
func (s *Stepper) ActiveChain() *Chain {
	if s.terminal {
		return nil
	}
	return s.chains[s.active]
}

func (s *Stepper) advanceOverEmptyChains() {
	for s.active < len(s.chains) && s.chains[s.active].completeIfEmpty() {
		s.debugLog.Printf("chain %q is empty, completing it upon activation", s.chains[s.active].Name())
		s.active++
	}
	if s.active >= len(s.chains) {
		s.terminal = true
	}
}

//HandleEvent feeds one external event to the active chain and updates the
//active-chain index on completion. A RunAborted result marks the stepper
//terminal. Calling HandleEvent on a terminal stepper is an *EngineFault.
func (s *Stepper) HandleEvent(ev Event) (DispatchResult, error) {
	if s.terminal {
		return DispatchResult{}, engineFaultf("event dispatched to terminal stepper")
	}

	chain := s.chains[s.active]
	s.debugLog.Printf("dispatching %v to chain %q", ev, chain.Name())
	res, err := chain.Dispatch(ev, s.drv, s.ctx)
	if err != nil {
		s.terminal = true
		return DispatchResult{}, err
	}

	switch res.Status {
	case PassEnded:
		//chain stays active, wait for next event
	case ChainDone:
		s.debugLog.Printf("chain %q completed", chain.Name())
		s.active++
		s.advanceOverEmptyChains()
	case RunAborted:
		s.debugLog.Printf("handler %q aborted the run : %v", res.AbortedBy, res.AbortReason)
		s.terminal = true
	}
	return res, nil
}

//Run performs the initial page tracking, fires the trigger and then feeds events
//to the chains until the stepper terminates. The pending event of each dispatch
//pass is acked before the next event is awaited; consuming handlers ack the
//events of their internal loops themselves. Returns nil on normal completion,
//an *AbortError if a handler aborted, an *EngineFault on invariant violations
//and the Driver's error (e.g. ErrTimeout) if the event source fails.
func (s *Stepper) Run(ctx context.Context, cfg RunConfig) error {
	if cfg.InitialTracking != nil {
		for _, gpa := range cfg.InitialTracking.GPAs {
			if err := s.drv.TrackPage(gpa, cfg.InitialTracking.Mode); err != nil {
				return fmt.Errorf("failed to track gpa 0x%x with mode %v : %v", gpa, cfg.InitialTracking.Mode, err)
			}
			s.debugLog.Printf("tracking 0x%x with mode %v", gpa, cfg.InitialTracking.Mode)
		}
	}

	if s.terminal {
		//all chains were empty, nothing to wait for
		return nil
	}

	if cfg.Trigger != nil {
		s.debugLog.Printf("executing trigger")
		if err := cfg.Trigger(); err != nil {
			return fmt.Errorf("failed to execute trigger : %v", err)
		}
	}

	log.Printf("entering main event loop")
	ev, err := s.drv.NextEvent(ctx, cfg.EventTimeout)
	if err != nil {
		return fmt.Errorf("failed to get first event : %w", err)
	}

	for {
		res, err := s.HandleEvent(ev)
		if err != nil {
			return err
		}

		if ackErr := s.drv.AckEvent(res.Event.ID()); ackErr != nil {
			return fmt.Errorf("failed to ack event %v : %v", res.Event.ID(), ackErr)
		}

		if res.Status == RunAborted {
			return &AbortError{HandlerName: res.AbortedBy, Reason: res.AbortReason}
		}
		if s.terminal {
			log.Printf("left main event loop, all chains completed")
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		ev, err = s.drv.NextEvent(ctx, cfg.EventTimeout)
		if err != nil {
			return fmt.Errorf("failed to get next event : %w", err)
		}
	}
}
