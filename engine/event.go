//Package engine implements the event handler chain abstraction for single-stepping attacks.
//Handlers are similar to HTTP middleware: they are invoked in a chain for every
//execution-control event reported for the victim VM. Chains are grouped into a
//Stepper that runs them one after another, modeling a full multi-phase attack.
package engine

import "fmt"

//AccessKind describes the access that caused a page fault
type AccessKind int

const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessExec
)

func (a AccessKind) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExec:
		return "exec"
	default:
		return fmt.Sprintf("unknown access kind %d", int(a))
	}
}

//Event is one execution-control notification for the victim. It is either a
//*PageFaultEvent or a *StepEvent. Events are immutable values; a handler that
//consumes events must return a new Event describing the halted state the victim
//is in afterwards, as the remaining handlers still expect a well-formed event.
type Event interface {
	//ID identifies the event towards Driver.AckEvent
	ID() uint64
	String() string
}

//PageFaultEvent reports that the victim faulted on a tracked guest physical page
type PageFaultEvent struct {
	EventID uint64
	//GPA is the faulted guest physical address
	GPA uint64
	//GVA is the faulted guest virtual address, only valid if HaveGVA is set
	GVA     uint64
	HaveGVA bool
	Access  AccessKind
}

func (e *PageFaultEvent) ID() uint64 {
	return e.EventID
}

func (e *PageFaultEvent) String() string {
	if e.HaveGVA {
		return fmt.Sprintf("PageFault{ID %v, GPA 0x%x, GVA 0x%x, Access %v}", e.EventID, e.GPA, e.GVA, e.Access)
	}
	return fmt.Sprintf("PageFault{ID %v, GPA 0x%x, Access %v}", e.EventID, e.GPA, e.Access)
}

//StepEvent reports that the single-stepping timer fired. RetiredInstructions is
//zero if the victim did not make progress during this step window.
type StepEvent struct {
	EventID             uint64
	RIP                 uint64
	RetiredInstructions uint64
}

func (e *StepEvent) ID() uint64 {
	return e.EventID
}

func (e *StepEvent) String() string {
	return fmt.Sprintf("Step{ID %v, RIP 0x%x, RetInstr %v}", e.EventID, e.RIP, e.RetiredInstructions)
}
