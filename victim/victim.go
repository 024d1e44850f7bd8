//Package victim models the process under attack inside the VM and the line
//protocol used to synchronize with it. A victim executes in two phases: during
//setup it may announce named values (addresses, configuration) on stdout and
//must finish with a setup-done marker; it then blocks on stdin until the
//controller releases it into the payload phase.
package victim

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"
)

const (
	//markerVarPrefix starts a stdout line announcing a <name> <value> pair
	markerVarPrefix = "VMSERVER::VAR"
	//markerSetupDone is the stdout line ending the setup phase
	markerSetupDone = "VMSERVER::SETUP_DONE"
	//markerStart is the stdin line releasing the victim into its payload phase
	markerStart = "VMSERVER::START"
)

//ErrTimeout is returned by Transport.ReadStdoutLine if no line arrived in time
var ErrTimeout = errors.New("timed out waiting for victim output")

//ErrEOF is returned by Transport.ReadStdoutLine once the victim's stdout is closed
var ErrEOF = errors.New("victim stdout closed")

//Transport is a byte-stream view on a remote victim process. The VM server
//client implements it over HTTP; tests use in-memory fakes.
type Transport interface {
	ReadStdoutLine(timeout time.Duration) (string, error)
	WriteStdinLine(line string) error
	Stop() error
}

//ProtocolViolationError reports malformed or out-of-order victim output. It is
//never retried; the victim is terminated.
type ProtocolViolationError struct {
	Line   string
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("victim protocol violation on line %q : %v", e.Line, e.Reason)
}

//State is the victim process lifecycle state
type State int

const (
	NotStarted State = iota
	SetupPhase
	AwaitingStart
	Running
	Halted
	Terminated
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case SetupPhase:
		return "SetupPhase"
	case AwaitingStart:
		return "AwaitingStart"
	case Running:
		return "Running"
	case Halted:
		return "Halted"
	case Terminated:
		return "Terminated"
	default:
		return fmt.Sprintf("unknown state %d", int(s))
	}
}

//legalTransitions lists the allowed lifecycle transitions. Terminated is
//reachable from every state and absorbing.
var legalTransitions = map[State][]State{
	NotStarted:    {SetupPhase},
	SetupPhase:    {AwaitingStart},
	AwaitingStart: {Running},
	Running:       {Halted},
	Halted:        {Running},
}

//Process is one victim process, synchronized over a Transport. The variable
//registry filled during setup is read-only once AwaitingStart is reached.
type Process struct {
	transport Transport
	state     State
	vars      map[string]string
	debugLog  *log.Logger
}

func NewProcess(transport Transport) *Process {
	return &Process{
		transport: transport,
		state:     NotStarted,
		vars:      make(map[string]string),
		debugLog:  log.New(io.Discard, "", 0),
	}
}

//SetDebugLog enables verbose logging of ignored victim output
func (p *Process) SetDebugLog(l *log.Logger) {
	p.debugLog = l
}

func (p *Process) State() State {
	return p.state
}

func (p *Process) transition(to State) error {
	if to == Terminated {
		p.state = Terminated
		return nil
	}
	for _, allowed := range legalTransitions[p.state] {
		if allowed == to {
			p.state = to
			return nil
		}
	}
	return fmt.Errorf("illegal victim state transition %v -> %v", p.state, to)
}

//MarkHalted records that the trapping mechanism paused the victim. Only legal
//while Running.
func (p *Process) MarkHalted() error {
	return p.transition(Halted)
}

//MarkResumed records that the victim continues execution after a halt
func (p *Process) MarkResumed() error {
	if p.state != Halted {
		return fmt.Errorf("illegal victim state transition %v -> %v", p.state, Running)
	}
	p.state = Running
	return nil
}

//RunSetup consumes the victim's stdout line by line until the setup-done marker
//is seen, registering every announced variable. Unstructured lines are ignored.
//The whole phase must finish within timeout. On any error the victim is
//terminated (best effort, stop errors are logged only).
func (p *Process) RunSetup(timeout time.Duration) error {
	if err := p.transition(SetupPhase); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.terminateAfterFailure()
			return fmt.Errorf("victim setup phase : %w", ErrTimeout)
		}

		line, err := p.transport.ReadStdoutLine(remaining)
		if err != nil {
			p.terminateAfterFailure()
			if errors.Is(err, ErrEOF) {
				return &ProtocolViolationError{Reason: fmt.Sprintf("victim exited before %q marker", markerSetupDone)}
			}
			if errors.Is(err, ErrTimeout) {
				return fmt.Errorf("victim setup phase : %w", err)
			}
			return fmt.Errorf("failed to read victim stdout : %v", err)
		}

		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, markerSetupDone):
			return p.transition(AwaitingStart)
		case strings.HasPrefix(line, markerVarPrefix):
			tokens := strings.Split(line, " ")
			if len(tokens) != 3 {
				p.terminateAfterFailure()
				return &ProtocolViolationError{Line: line, Reason: fmt.Sprintf("expected 3 tokens, got %v", len(tokens))}
			}
			p.vars[tokens[1]] = tokens[2]
		default:
			//unstructured diagnostic output
			p.debugLog.Printf("victim stdout: %v", line)
		}
	}
}

//Release writes the start marker to the victim's stdin, moving it from
//AwaitingStart into its payload phase
func (p *Process) Release() error {
	if p.state != AwaitingStart {
		return fmt.Errorf("victim must be in state %v to be released, is %v", AwaitingStart, p.state)
	}
	if err := p.transport.WriteStdinLine(markerStart); err != nil {
		p.terminateAfterFailure()
		return fmt.Errorf("failed to write start marker : %v", err)
	}
	return p.transition(Running)
}

//Var returns a value announced during the setup phase
func (p *Process) Var(name string) (string, bool) {
	v, ok := p.vars[name]
	return v, ok
}

//Vars returns a copy of the registry built during setup
func (p *Process) Vars() map[string]string {
	out := make(map[string]string, len(p.vars))
	for k, v := range p.vars {
		out[k] = v
	}
	return out
}

//GPA looks up a setup variable and parses it as hex address
func (p *Process) GPA(name string) (uint64, error) {
	v, ok := p.vars[name]
	if !ok {
		return 0, fmt.Errorf("victim did not announce variable %q during setup", name)
	}
	addr, err := ParseHex(v)
	if err != nil {
		return 0, fmt.Errorf("failed to parse variable %q : %v", name, err)
	}
	return addr, nil
}

//Stop terminates the victim process
func (p *Process) Stop() error {
	if p.state == Terminated {
		return nil
	}
	p.state = Terminated
	if err := p.transport.Stop(); err != nil {
		return fmt.Errorf("failed to stop victim : %v", err)
	}
	return nil
}

func (p *Process) terminateAfterFailure() {
	p.state = Terminated
	if err := p.transport.Stop(); err != nil {
		log.Printf("Failed to stop victim after error : %v", err)
	}
}

//ParseHex parses a hex value with optional 0x prefix
func ParseHex(s string) (uint64, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	v, err := strconv.ParseUint(trimmed, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %q as hex value : %v", s, err)
	}
	return v, nil
}
