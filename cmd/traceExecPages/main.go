//Records the execution page fault trace of some victim behaviour inside the
//VM. All guest pages are exec-tracked, the behaviour is kicked off via a
//trigger URI (e.g. an HTTP endpoint or an SSH handshake) and every fault is
//logged and re-armed until the fault budget is exhausted or the victim goes
//quiet. The resulting trace file has one hex GPA per line and can be compared
//across runs with compareTraces.
package main

import (
	"bufio"
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
	"sevStepLib/trigger"
)

type application struct {
	config     *sevStepLib.Config
	triggerURI string
	outPath    string
	maxFaults  int
	debugLog   *log.Logger
}

func setupAndParseCLI() (*application, error) {
	configPath := flag.String("config", "vm-config.toml", "Path to vm config file")
	triggerURI := flag.String("trigger", "", "URI kicking off the victim behaviour, e.g. http://vm:8080/foo or ssh://user@vm:22")
	outPath := flag.String("out", "trace.txt", "Output file for the recorded trace")
	maxFaults := flag.Int("maxFaults", 100000, "Stop recording after this many page faults")
	debugLog := flag.Bool("debugLog", false, "Verbose logging for debug purposes")

	flag.Parse()

	app := &application{triggerURI: *triggerURI, outPath: *outPath, maxFaults: *maxFaults}

	if app.triggerURI == "" {
		return nil, errors.New("trigger is required")
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

func writeTraceFile(path string, trace []uint64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create trace file : %v", err)
	}
	w := bufio.NewWriter(f)
	for _, gpa := range trace {
		if _, err := fmt.Fprintf(w, "0x%x\n", gpa); err != nil {
			f.Close()
			return fmt.Errorf("failed to write trace file : %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write trace file : %v", err)
	}
	return f.Close()
}

func run(app *application) error {
	victimTrigger, err := trigger.FromURI(app.triggerURI)
	if err != nil {
		return fmt.Errorf("failed to resolve trigger %q : %v", app.triggerURI, err)
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

	if err := driver.TrackAllPages(engine.TrackExec); err != nil {
		return fmt.Errorf("failed to exec-track all pages : %v", err)
	}
	defer func() {
		if err := driver.UntrackAllPages(engine.TrackExec); err != nil {
			log.Printf("Failed to remove exec tracking : %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	//each fault disarms the faulted page; re-arm it on the next fault so that
	//revisits show up in the trace, like in the classic page fault cycle
	trace := make([]uint64, 0, app.maxFaults)
	var prevGPA uint64
	havePrev := false
	recorder := engine.NewFuncHandler("RecordAndRetrack", func(ev engine.Event, drv engine.Driver, ctx *engine.Context) (engine.Outcome, error) {
		pfEvent, ok := ev.(*engine.PageFaultEvent)
		if !ok {
			return engine.Outcome{Action: engine.ActionSkip, Event: ev}, nil
		}
		if havePrev {
			if err := drv.TrackPage(prevGPA, engine.TrackExec); err != nil {
				return engine.Outcome{}, fmt.Errorf("failed to re-track gpa 0x%x : %v", prevGPA, err)
			}
		}
		trace = append(trace, pfEvent.GPA)
		prevGPA = pfEvent.GPA
		havePrev = true
		if len(trace) >= app.maxFaults {
			return engine.Outcome{Action: engine.ActionChainComplete, Event: ev}, nil
		}
		return engine.Outcome{Action: engine.ActionSkip, Event: ev}, nil
	})

	stepper := engine.NewStepper(driver, engine.NewChain("recordTrace", recorder))
	stepper.SetDebugLog(app.debugLog)

	err = stepper.Run(ctx, engine.RunConfig{
		Trigger: func() error {
			result, err := victimTrigger.Execute()
			if err != nil {
				return err
			}
			app.debugLog.Printf("trigger result: %v bytes", len(result))
			return nil
		},
		EventTimeout: app.config.EventTimeout(),
	})
	//once the triggered behaviour is over the fault stream dries up; that is
	//the regular end of a recording, not a failure
	if err != nil && !errors.Is(err, engine.ErrTimeout) {
		return fmt.Errorf("recording failed : %v", err)
	}

	log.Printf("Recorded %v page faults", len(trace))
	if err := writeTraceFile(app.outPath, trace); err != nil {
		return err
	}
	log.Printf("Trace written to %v", app.outPath)

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
