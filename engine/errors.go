package engine

import (
	"errors"
	"fmt"
)

//ErrTimeout is returned by Driver.NextEvent if no event arrived within the requested window
var ErrTimeout = errors.New("operation timed out")

//ErrSourceClosed is returned by Driver.NextEvent once the event source is gone for good
var ErrSourceClosed = errors.New("event source closed")

//EngineFault signals a violated engine invariant (dispatch on a terminal chain,
//context type mismatch, handler returned no event, ...). It always indicates a bug
//in the handler composition, never victim behaviour, and is fatal for the run.
type EngineFault struct {
	Reason string
}

func (e *EngineFault) Error() string {
	return fmt.Sprintf("engine fault : %v", e.Reason)
}

func engineFaultf(format string, args ...interface{}) *EngineFault {
	return &EngineFault{Reason: fmt.Sprintf(format, args...)}
}

//AbortError is the terminal result of a run in which a handler returned ActionAbort.
//This is an intentional, handler-authored termination; callers may inspect Reason
//and e.g. retry the run with a fresh Stepper.
type AbortError struct {
	//HandlerName is the handler that requested the abort
	HandlerName string
	Reason      string
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("handler %v aborted the run : %v", e.HandlerName, e.Reason)
}
