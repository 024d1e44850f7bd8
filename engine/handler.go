package engine

import (
	"context"
	"fmt"
	"time"
)

//PageTrackMode selects how a guest physical page is trapped
type PageTrackMode int

const (
	TrackAccess PageTrackMode = iota
	TrackWrite
	TrackExec
)

func (m PageTrackMode) String() string {
	switch m {
	case TrackAccess:
		return "access"
	case TrackWrite:
		return "write"
	case TrackExec:
		return "exec"
	default:
		return fmt.Sprintf("unknown track mode %d", int(m))
	}
}

//Driver is the engine's view of the mechanism that traps the victim and reports
//events. All calls are blocking; NextEvent is the only one that may block for an
//extended amount of time and honors both the context and the timeout.
//NextEvent returns ErrTimeout if no event arrived in time and ErrSourceClosed
//once no further events can ever be delivered.
type Driver interface {
	NextEvent(ctx context.Context, timeout time.Duration) (Event, error)
	AckEvent(id uint64) error
	TrackPage(gpa uint64, mode PageTrackMode) error
	UntrackPage(gpa uint64, mode PageTrackMode) error
	TrackAllPages(mode PageTrackMode) error
	UntrackAllPages(mode PageTrackMode) error
	StartStepping(apicTimerValue uint32, gpasForStepping []uint64) error
	StopStepping() error
	ReadGuestMemory(gpa uint64, byteCount int) ([]byte, error)
}

//NextAction tells the chain how to proceed after a handler has seen an event
type NextAction int

const (
	//ActionNext continues with the next handler in the chain
	ActionNext NextAction = iota
	//ActionSkip abandons the rest of the chain; the next external event starts
	//again at the chain's first handler
	ActionSkip
	//ActionChainComplete marks the chain as finished; the stepper activates the
	//next chain before processing further events
	ActionChainComplete
	//ActionAbort terminates the whole run. The reason is carried in Outcome.AbortReason
	ActionAbort
)

func (a NextAction) String() string {
	switch a {
	case ActionNext:
		return "NEXT"
	case ActionSkip:
		return "SKIP"
	case ActionChainComplete:
		return "CHAIN_COMPLETE"
	case ActionAbort:
		return "ABORT"
	default:
		return fmt.Sprintf("unknown action %d", int(a))
	}
}

//Outcome is the result of one handler invocation. Event is the event to
//propagate: a filter returns the event it was called with, while a consuming
//handler (Consumed set) returns the event describing the halted state the
//victim reached after its internal loop. Handlers must always return a
//non-nil Event so that the victim is in a well-defined halted state whenever
//control passes on.
type Outcome struct {
	Action   NextAction
	Event    Event
	Consumed bool
	//AbortReason is only evaluated for ActionAbort
	AbortReason string
}

//Handler is the unit of attack logic. Implementations are either filters, which
//inspect the event and context but do not consume events, or sub-programs, which
//may ack the event and pull further events from the driver to run an internal
//state machine. Process errors are treated as fatal for the run; use
//ActionAbort for intentional termination.
type Handler interface {
	Process(ev Event, drv Driver, ctx *Context) (Outcome, error)
	Name() string
}

//FuncHandler adapts a plain function to the Handler interface. Useful to glue
//prebuilt handlers together with custom logic.
type FuncHandler struct {
	name    string
	payload func(ev Event, drv Driver, ctx *Context) (Outcome, error)
}

func NewFuncHandler(name string, payload func(ev Event, drv Driver, ctx *Context) (Outcome, error)) *FuncHandler {
	return &FuncHandler{name: name, payload: payload}
}

func (h *FuncHandler) Process(ev Event, drv Driver, ctx *Context) (Outcome, error) {
	return h.payload(ev, drv, ctx)
}

func (h *FuncHandler) Name() string {
	return h.name
}
