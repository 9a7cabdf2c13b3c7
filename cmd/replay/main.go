package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"flapboard.app/internal/flap/engine"
	persistlog "flapboard.app/internal/persistence/log"
	"flapboard.app/internal/protocol"
)

func main() {
	var (
		dataDir = flag.String("data", "./data", "runtime data directory (reads <data>/passes)")
		dir     = flag.String("passes", "", "pass log directory (overrides -data)")
		verbose = flag.Bool("v", false, "print every entry")
	)
	flag.Parse()

	passDir := *dir
	if passDir == "" {
		passDir = persistlog.PassDir(*dataDir)
	}
	files, err := persistlog.ListFiles(passDir, "passes")
	if err != nil {
		fmt.Fprintln(os.Stderr, "list pass logs:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no pass log files found in", passDir)
		os.Exit(1)
	}

	var sum summary
	for _, path := range files {
		err := persistlog.ReadEntries(path, func(e engine.LogEntry) error {
			if *verbose {
				fmt.Println(describe(e))
			}
			return sum.add(e)
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
	}
	fmt.Print(sum.String())
	if len(sum.problems) > 0 {
		os.Exit(1)
	}
}

// summary folds pass log entries and checks that passes and their PASS_DONE
// signals line up.
type summary struct {
	entries       int
	kinds         map[string]int
	fetches       int
	fetchFailures int
	items         int
	passes        int
	records       int
	resets        int
	reloads       int
	passDone      int
	firstTick     uint64
	lastTick      uint64

	openPasses int
	problems   []string
}

func (s *summary) add(e engine.LogEntry) error {
	if s.kinds == nil {
		s.kinds = map[string]int{}
	}
	if s.entries == 0 {
		s.firstTick = e.Tick
	}
	if s.entries > 0 && e.Tick < s.lastTick {
		// Each reload starts a fresh engine at tick 0.
		s.openPasses = 0
	}
	s.entries++
	s.lastTick = e.Tick
	s.kinds[e.Kind]++

	switch e.Kind {
	case engine.EntryFetch:
		s.fetches++
		s.items += e.Items
		if e.Err != "" {
			s.fetchFailures++
		}
	case engine.EntryPass:
		s.passes++
		s.records += e.Records
		s.openPasses++
		if e.Pages > 0 && e.Page >= e.Pages {
			s.problem("tick %d: pass %d shows page %d of %d", e.Tick, e.Pass, e.Page, e.Pages)
		}
	case engine.EntryReset:
		s.resets++
	case engine.EntrySignal:
		switch e.Signal {
		case protocol.SignalPassDone:
			s.passDone++
			if s.openPasses == 0 {
				s.problem("tick %d: PASS_DONE without a pass entry", e.Tick)
			} else {
				s.openPasses--
			}
		case protocol.SignalReload:
			s.reloads++
		}
	case engine.EntryPage:
	default:
		return fmt.Errorf("unknown entry kind %q at tick %d", e.Kind, e.Tick)
	}
	return nil
}

func (s *summary) problem(format string, args ...any) {
	s.problems = append(s.problems, fmt.Sprintf(format, args...))
}

func (s *summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "entries=%d ticks=%d..%d\n", s.entries, s.firstTick, s.lastTick)
	kinds := make([]string, 0, len(s.kinds))
	for k := range s.kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(&b, "  %-7s %d\n", k, s.kinds[k])
	}
	fmt.Fprintf(&b, "fetches=%d failed=%d items=%d\n", s.fetches, s.fetchFailures, s.items)
	fmt.Fprintf(&b, "passes=%d records=%d pass_done=%d resets=%d reloads=%d\n", s.passes, s.records, s.passDone, s.resets, s.reloads)
	for _, p := range s.problems {
		fmt.Fprintf(&b, "problem: %s\n", p)
	}
	if len(s.problems) == 0 {
		b.WriteString("replay ok\n")
	}
	return b.String()
}

func describe(e engine.LogEntry) string {
	switch e.Kind {
	case engine.EntryFetch:
		if e.Err != "" {
			return fmt.Sprintf("%8d fetch %s plugin=%s err=%s", e.Tick, e.FetchID, e.Plugin, e.Err)
		}
		return fmt.Sprintf("%8d fetch %s plugin=%s items=%d", e.Tick, e.FetchID, e.Plugin, e.Items)
	case engine.EntryPass:
		return fmt.Sprintf("%8d pass #%d page %d/%d records=%d", e.Tick, e.Pass, e.Page+1, e.Pages, e.Records)
	case engine.EntryPage:
		return fmt.Sprintf("%8d page %d/%d", e.Tick, e.Page+1, e.Pages)
	case engine.EntrySignal:
		return fmt.Sprintf("%8d signal %s", e.Tick, e.Signal)
	default:
		return fmt.Sprintf("%8d %s", e.Tick, e.Kind)
	}
}
