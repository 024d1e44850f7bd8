package victim

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

//fakeTransport replays scripted stdout lines and records stdin writes
type fakeTransport struct {
	stdoutLines []string
	//afterLines is returned once the scripted lines are exhausted
	afterLines   error
	stdinLines   []string
	stopped      bool
	writeErr     error
	perLineDelay time.Duration
}

func newFakeTransport(lines ...string) *fakeTransport {
	return &fakeTransport{stdoutLines: lines, afterLines: ErrEOF}
}

func (t *fakeTransport) ReadStdoutLine(timeout time.Duration) (string, error) {
	if t.perLineDelay > 0 && t.perLineDelay > timeout {
		return "", ErrTimeout
	}
	if len(t.stdoutLines) == 0 {
		return "", t.afterLines
	}
	line := t.stdoutLines[0]
	t.stdoutLines = t.stdoutLines[1:]
	return line, nil
}

func (t *fakeTransport) WriteStdinLine(line string) error {
	if t.writeErr != nil {
		return t.writeErr
	}
	t.stdinLines = append(t.stdinLines, line)
	return nil
}

func (t *fakeTransport) Stop() error {
	t.stopped = true
	return nil
}

func TestRunSetupRegistersVariables(t *testing.T) {
	transport := newFakeTransport(
		"some banner output",
		"VMSERVER::VAR foo 0x1000",
		"VMSERVER::VAR bar 0x2000",
		"VMSERVER::SETUP_DONE",
	)
	p := NewProcess(transport)

	if err := p.RunSetup(time.Second); err != nil {
		t.Fatalf("Unexpected setup error : %v", err)
	}
	if p.State() != AwaitingStart {
		t.Fatalf("Expected state %v after setup, got %v", AwaitingStart, p.State())
	}

	want := map[string]string{"foo": "0x1000", "bar": "0x2000"}
	if !reflect.DeepEqual(p.Vars(), want) {
		t.Errorf("Expected registry %v, got %v", want, p.Vars())
	}

	gpa, err := p.GPA("foo")
	if err != nil || gpa != 0x1000 {
		t.Errorf("Expected GPA 0x1000 for foo, got 0x%x (err %v)", gpa, err)
	}
}

func TestRunSetupIgnoresVarAfterSetupDone(t *testing.T) {
	transport := newFakeTransport(
		"VMSERVER::VAR foo 0x1000",
		"VMSERVER::SETUP_DONE",
		"VMSERVER::VAR late 0x3000",
	)
	p := NewProcess(transport)

	if err := p.RunSetup(time.Second); err != nil {
		t.Fatalf("Unexpected setup error : %v", err)
	}
	if _, ok := p.Var("late"); ok {
		t.Errorf("A VAR line after the setup-done marker must be ignored")
	}
	if want := map[string]string{"foo": "0x1000"}; !reflect.DeepEqual(p.Vars(), want) {
		t.Errorf("Expected registry %v, got %v", want, p.Vars())
	}
}

func TestRunSetupMalformedVarIsProtocolViolation(t *testing.T) {
	transport := newFakeTransport("VMSERVER::VAR onlyname")
	p := NewProcess(transport)

	err := p.RunSetup(time.Second)
	var violation *ProtocolViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("Expected a *ProtocolViolationError, got %v", err)
	}
	if p.State() != Terminated {
		t.Errorf("A protocol violation must terminate the victim, state is %v", p.State())
	}
	if !transport.stopped {
		t.Errorf("The victim process must be stopped after a protocol violation")
	}
}

func TestRunSetupEOFBeforeMarkerIsProtocolViolation(t *testing.T) {
	transport := newFakeTransport("VMSERVER::VAR foo 0x1000")
	p := NewProcess(transport)

	err := p.RunSetup(time.Second)
	var violation *ProtocolViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("Expected a *ProtocolViolationError on early exit, got %v", err)
	}
	if p.State() != Terminated {
		t.Errorf("Expected state %v, got %v", Terminated, p.State())
	}
}

func TestRunSetupTimesOut(t *testing.T) {
	transport := newFakeTransport("VMSERVER::VAR foo 0x1000")
	transport.perLineDelay = time.Hour
	p := NewProcess(transport)

	err := p.RunSetup(time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if p.State() != Terminated {
		t.Errorf("A setup timeout must terminate the victim, state is %v", p.State())
	}
}

func TestReleaseWritesStartMarker(t *testing.T) {
	transport := newFakeTransport("VMSERVER::SETUP_DONE")
	p := NewProcess(transport)

	if err := p.RunSetup(time.Second); err != nil {
		t.Fatalf("Unexpected setup error : %v", err)
	}
	if err := p.Release(); err != nil {
		t.Fatalf("Unexpected release error : %v", err)
	}
	if want := []string{"VMSERVER::START"}; !reflect.DeepEqual(transport.stdinLines, want) {
		t.Errorf("Expected stdin writes %v, got %v", want, transport.stdinLines)
	}
	if p.State() != Running {
		t.Errorf("Expected state %v after release, got %v", Running, p.State())
	}
}

func TestReleaseRequiresAwaitingStart(t *testing.T) {
	p := NewProcess(newFakeTransport())
	if err := p.Release(); err == nil {
		t.Fatalf("Release before setup completion must fail")
	}
}

func TestReleaseTransportFailureTerminates(t *testing.T) {
	transport := newFakeTransport("VMSERVER::SETUP_DONE")
	p := NewProcess(transport)
	if err := p.RunSetup(time.Second); err != nil {
		t.Fatalf("Unexpected setup error : %v", err)
	}

	transport.writeErr = errors.New("connection reset")
	if err := p.Release(); err == nil {
		t.Fatalf("A transport failure during release must surface")
	}
	if p.State() != Terminated {
		t.Errorf("A transport failure must terminate the victim, state is %v", p.State())
	}
}

func TestHaltedRunningCycle(t *testing.T) {
	transport := newFakeTransport("VMSERVER::SETUP_DONE")
	p := NewProcess(transport)
	if err := p.RunSetup(time.Second); err != nil {
		t.Fatalf("Unexpected setup error : %v", err)
	}
	if err := p.Release(); err != nil {
		t.Fatalf("Unexpected release error : %v", err)
	}

	if err := p.MarkHalted(); err != nil || p.State() != Halted {
		t.Fatalf("Expected transition to %v, got state %v err %v", Halted, p.State(), err)
	}
	if err := p.MarkResumed(); err != nil || p.State() != Running {
		t.Fatalf("Expected transition back to %v, got state %v err %v", Running, p.State(), err)
	}
	if err := p.MarkResumed(); err == nil {
		t.Errorf("Resuming a victim that is not halted must fail")
	}
}

func TestMarkHaltedRequiresRunning(t *testing.T) {
	p := NewProcess(newFakeTransport())
	if err := p.MarkHalted(); err == nil {
		t.Errorf("Halting a victim that never ran must fail")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	transport := newFakeTransport()
	p := NewProcess(transport)
	if err := p.Stop(); err != nil {
		t.Fatalf("Unexpected stop error : %v", err)
	}
	if !transport.stopped {
		t.Errorf("Stop must reach the transport")
	}
	if err := p.Stop(); err != nil {
		t.Errorf("Stopping a terminated victim must be a no-op, got %v", err)
	}
}

func TestParseHex(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"0x1000", 0x1000, true},
		{"1000", 0x1000, true},
		{" 0xdeadbeef ", 0xdeadbeef, true},
		{"zzz", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		got, err := ParseHex(c.in)
		if c.ok && (err != nil || got != c.want) {
			t.Errorf("ParseHex(%q) = 0x%x, %v; want 0x%x", c.in, got, err, c.want)
		}
		if !c.ok && err == nil {
			t.Errorf("ParseHex(%q) expected error", c.in)
		}
	}
}
