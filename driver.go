package sevStepLib

import (
	"context"
	"fmt"
	"log"
	"time"

	"sevStepLib/engine"

	"github.com/UzL-ITS/sev-step/sevStep"
)

//KernelDriver implements engine.Driver on top of the SEV-Step kernel API. There
//may be only one open instance at a time. NextEvent uses busy polling, so the
//attacker process should be pinned away from the VM's core.
type KernelDriver struct {
	api      *sevStep.IoctlAPI
	flushCPU int
}

//NewKernelDriver opens the SEV-Step API connection.
// - kvmDevicePath is usually /dev/kvm
// - tryGetRIP requests register state for events; works only for plain VMs and debug SEV-ES VMs
// - flushCPU, if >= 0, selects the cpu where the wbinvd flush runs before guest memory reads
func NewKernelDriver(kvmDevicePath string, tryGetRIP bool, flushCPU int) (*KernelDriver, error) {
	api, err := sevStep.NewIoctlAPI(kvmDevicePath, tryGetRIP)
	if err != nil {
		return nil, fmt.Errorf("failed to init ioctl api : %v", err)
	}
	return &KernelDriver{api: api, flushCPU: flushCPU}, nil
}

//Close stops stepping and closes the kernel API connection
func (d *KernelDriver) Close() error {
	if err := d.api.CmdStopStepping(); err != nil {
		log.Printf("Failed to stop stepping on close : %v", err)
	}
	if err := d.api.Close(); err != nil {
		return fmt.Errorf("failed to close ioctl api : %v", err)
	}
	return nil
}

//NextEvent busy polls the kernel API until an event arrives, the context is
//cancelled or the timeout (if non-zero) expires
func (d *KernelDriver) NextEvent(ctx context.Context, timeout time.Duration) (engine.Event, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, engine.ErrTimeout
		}

		ev, ok, err := d.api.CmdPollEvent()
		if err != nil {
			return nil, fmt.Errorf("CmdPollEvent failed : %v", err)
		}
		if ok {
			return convertEvent(ev), nil
		}
	}
}

func (d *KernelDriver) AckEvent(id uint64) error {
	return d.api.CmdAckEvent(id)
}

func (d *KernelDriver) TrackPage(gpa uint64, mode engine.PageTrackMode) error {
	return d.api.CmdTrackPage(gpa, convertTrackMode(mode))
}

func (d *KernelDriver) UntrackPage(gpa uint64, mode engine.PageTrackMode) error {
	return d.api.CmdUnTrackPage(gpa, convertTrackMode(mode))
}

func (d *KernelDriver) TrackAllPages(mode engine.PageTrackMode) error {
	return d.api.CmdTrackAllPages(convertTrackMode(mode))
}

func (d *KernelDriver) UntrackAllPages(mode engine.PageTrackMode) error {
	return d.api.CmdUnTrackAllPages(convertTrackMode(mode))
}

func (d *KernelDriver) StartStepping(apicTimerValue uint32, gpasForStepping []uint64) error {
	return d.api.CmdStartStepping(apicTimerValue, gpasForStepping)
}

func (d *KernelDriver) StopStepping() error {
	return d.api.CmdStopStepping()
}

func (d *KernelDriver) ReadGuestMemory(gpa uint64, byteCount int) ([]byte, error) {
	return d.api.CmdReadGuestMemory(gpa, uint64(byteCount), d.flushCPU >= 0, d.flushCPU)
}

//convertEvent adapts a kernel event to the engine's event union. The kernel
//reports both page faults and step interrupts through the same struct; step
//events carry no faulted GPA.
func convertEvent(ev *sevStep.Event) engine.Event {
	if ev.FaultedGPA == 0 {
		retired := uint64(0)
		if ev.HaveRetiredInstructions {
			retired = uint64(ev.RetiredInstructions)
		}
		return &engine.StepEvent{
			EventID:             uint64(ev.ID),
			RIP:                 uint64(ev.RIP),
			RetiredInstructions: retired,
		}
	}

	access := engine.AccessRead
	if sevStep.ArePfErrorsSet(ev.ErrorCode, sevStep.PfErrorFetch) {
		access = engine.AccessExec
	} else if sevStep.ArePfErrorsSet(ev.ErrorCode, sevStep.PfErrorWrite) {
		access = engine.AccessWrite
	}
	pfEvent := &engine.PageFaultEvent{
		EventID: uint64(ev.ID),
		GPA:     uint64(ev.FaultedGPA),
		Access:  access,
	}
	//for exec faults the instruction pointer is the faulted virtual address
	if access == engine.AccessExec && ev.HaveRipInfo {
		pfEvent.GVA = uint64(ev.RIP)
		pfEvent.HaveGVA = true
	}
	return pfEvent
}

func convertTrackMode(mode engine.PageTrackMode) sevStep.PageTrackMode {
	switch mode {
	case engine.TrackWrite:
		return sevStep.PageTrackWrite
	case engine.TrackExec:
		return sevStep.PageTrackExec
	default:
		return sevStep.PageTrackAccess
	}
}
