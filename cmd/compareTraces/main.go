//Compares two page fault traces by edit distance. Traces are text files with
//one hex GPA per line, as logged by the attack tools. Useful to check how
//stable a victim's fault sequence is across runs or to match an observed trace
//against a set of templates.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/agnivade/levenshtein"

	"sevStepLib/victim"
)

type application struct {
	pathTraceA string
	pathTraceB string
	pageAlign  bool
}

func setupAndParseCLI() (*application, error) {
	pathTraceA := flag.String("traceA", "", "Path to first trace file")
	pathTraceB := flag.String("traceB", "", "Path to second trace file")
	pageAlign := flag.Bool("pageAlign", true, "Align GPAs to page granularity before comparing")

	flag.Parse()

	if *pathTraceA == "" || *pathTraceB == "" {
		return nil, fmt.Errorf("traceA and traceB are required")
	}

	return &application{pathTraceA: *pathTraceA, pathTraceB: *pathTraceB, pageAlign: *pageAlign}, nil
}

//parseTraceFile reads one hex GPA per line, skipping empty lines
func parseTraceFile(path string, pageAlign bool) ([]uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file : %v", err)
	}
	defer f.Close()

	trace := make([]uint64, 0)
	scanner := bufio.NewScanner(f)
	lineNr := 0
	for scanner.Scan() {
		lineNr++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		gpa, err := victim.ParseHex(line)
		if err != nil {
			return nil, fmt.Errorf("line %v : %v", lineNr, err)
		}
		if pageAlign {
			gpa &^= 0xfff
		}
		trace = append(trace, gpa)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trace file : %v", err)
	}
	return trace, nil
}

//tracesToStrings maps both traces onto a shared rune alphabet so that equal
//GPAs become equal runes, making the traces comparable by string edit distance
func tracesToStrings(traceA, traceB []uint64) (string, string) {
	alphabet := make(map[uint64]rune)
	nextRune := 'a'
	encode := func(trace []uint64) string {
		b := strings.Builder{}
		for _, gpa := range trace {
			r, ok := alphabet[gpa]
			if !ok {
				r = nextRune
				alphabet[gpa] = r
				nextRune++
			}
			b.WriteRune(r)
		}
		return b.String()
	}
	return encode(traceA), encode(traceB)
}

//traceSimilarity maps the edit distance to [0,1], where 1 means equal traces
func traceSimilarity(distance, lenA, lenB int) float64 {
	maxLen := lenA
	if lenB > maxLen {
		maxLen = lenB
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(distance)/float64(maxLen)
}

func run(app *application) error {
	traceA, err := parseTraceFile(app.pathTraceA, app.pageAlign)
	if err != nil {
		return fmt.Errorf("failed to parse %v : %v", app.pathTraceA, err)
	}
	traceB, err := parseTraceFile(app.pathTraceB, app.pageAlign)
	if err != nil {
		return fmt.Errorf("failed to parse %v : %v", app.pathTraceB, err)
	}

	encodedA, encodedB := tracesToStrings(traceA, traceB)
	distance := levenshtein.ComputeDistance(encodedA, encodedB)

	log.Printf("Trace A has %v entries, trace B has %v entries", len(traceA), len(traceB))
	log.Printf("Edit distance %v, similarity %.4f", distance, traceSimilarity(distance, len(traceA), len(traceB)))

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
