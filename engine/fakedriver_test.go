package engine

import (
	"context"
	"fmt"
	"time"
)

//fakeDriver hands out a scripted event sequence and records all api calls
type fakeDriver struct {
	events []Event
	//calls logs track/step/read operations in order
	calls []string
	acked []uint64
	//nextEventErr is returned once all scripted events are consumed
	nextEventErr error
}

func newFakeDriver(events ...Event) *fakeDriver {
	return &fakeDriver{events: events, nextEventErr: ErrSourceClosed}
}

func (d *fakeDriver) NextEvent(ctx context.Context, timeout time.Duration) (Event, error) {
	if len(d.events) == 0 {
		return nil, d.nextEventErr
	}
	ev := d.events[0]
	d.events = d.events[1:]
	return ev, nil
}

func (d *fakeDriver) AckEvent(id uint64) error {
	d.acked = append(d.acked, id)
	return nil
}

func (d *fakeDriver) TrackPage(gpa uint64, mode PageTrackMode) error {
	d.calls = append(d.calls, fmt.Sprintf("track 0x%x %v", gpa, mode))
	return nil
}

func (d *fakeDriver) UntrackPage(gpa uint64, mode PageTrackMode) error {
	d.calls = append(d.calls, fmt.Sprintf("untrack 0x%x %v", gpa, mode))
	return nil
}

func (d *fakeDriver) TrackAllPages(mode PageTrackMode) error {
	d.calls = append(d.calls, fmt.Sprintf("trackAll %v", mode))
	return nil
}

func (d *fakeDriver) UntrackAllPages(mode PageTrackMode) error {
	d.calls = append(d.calls, fmt.Sprintf("untrackAll %v", mode))
	return nil
}

func (d *fakeDriver) StartStepping(apicTimerValue uint32, gpasForStepping []uint64) error {
	d.calls = append(d.calls, fmt.Sprintf("startStepping %v", apicTimerValue))
	return nil
}

func (d *fakeDriver) StopStepping() error {
	d.calls = append(d.calls, "stopStepping")
	return nil
}

func (d *fakeDriver) ReadGuestMemory(gpa uint64, byteCount int) ([]byte, error) {
	d.calls = append(d.calls, fmt.Sprintf("readGuestMemory 0x%x %v", gpa, byteCount))
	return make([]byte, byteCount), nil
}

//recordingHandler is a filter that logs every event it sees and replies with a
//scripted action sequence (repeating the last action once exhausted)
type recordingHandler struct {
	name    string
	actions []NextAction
	seen    []Event
}

func newRecordingHandler(name string, actions ...NextAction) *recordingHandler {
	if len(actions) == 0 {
		actions = []NextAction{ActionNext}
	}
	return &recordingHandler{name: name, actions: actions}
}

func (h *recordingHandler) Process(ev Event, drv Driver, ctx *Context) (Outcome, error) {
	action := h.actions[0]
	if len(h.actions) > 1 {
		h.actions = h.actions[1:]
	}
	h.seen = append(h.seen, ev)
	return Outcome{Action: action, Event: ev}, nil
}

func (h *recordingHandler) Name() string {
	return h.name
}

func pf(id, gpa uint64) *PageFaultEvent {
	return &PageFaultEvent{EventID: id, GPA: gpa, Access: AccessExec}
}

func step(id, rip, retired uint64) *StepEvent {
	return &StepEvent{EventID: id, RIP: rip, RetiredInstructions: retired}
}
