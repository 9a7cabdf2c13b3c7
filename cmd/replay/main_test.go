package main

import (
	"strings"
	"testing"

	"flapboard.app/internal/flap/engine"
	persistlog "flapboard.app/internal/persistence/log"
	"flapboard.app/internal/protocol"
)

func TestSummary_fromPassLog(t *testing.T) {
	dir := t.TempDir()
	l := persistlog.NewPassLogger(dir)
	entries := []engine.LogEntry{
		{Tick: 1, Kind: engine.EntryFetch, FetchID: "f1", Plugin: "file", Items: 3},
		{Tick: 1, Kind: engine.EntryPage, Page: 0, Pages: 2},
		{Tick: 40, Kind: engine.EntryPass, Pass: 1, Page: 0, Pages: 2, Records: 2},
		{Tick: 40, Kind: engine.EntrySignal, Signal: protocol.SignalPassDone, Page: 0, Pages: 2},
		{Tick: 90, Kind: engine.EntryFetch, FetchID: "f2", Plugin: "file", Err: "read: gone"},
		{Tick: 95, Kind: engine.EntryReset},
		{Tick: 160, Kind: engine.EntrySignal, Signal: protocol.SignalReload},
		{Tick: 0, Kind: engine.EntryFetch, FetchID: "f3", Plugin: "file", Items: 1},
	}
	for _, e := range entries {
		if err := l.WriteEntry(e); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := persistlog.ListFiles(persistlog.PassDir(dir), "passes")
	if err != nil || len(files) != 1 {
		t.Fatalf("files=%v err=%v", files, err)
	}
	var sum summary
	if err := persistlog.ReadEntries(files[0], sum.add); err != nil {
		t.Fatalf("read: %v", err)
	}
	if sum.fetches != 3 || sum.fetchFailures != 1 || sum.items != 4 {
		t.Fatalf("fetch summary=%+v", sum)
	}
	if sum.passes != 1 || sum.passDone != 1 || sum.resets != 1 || sum.reloads != 1 {
		t.Fatalf("pass summary=%+v", sum)
	}
	out := sum.String()
	if !strings.Contains(out, "replay ok") || !strings.Contains(out, "passes=1 records=2") {
		t.Fatalf("summary:\n%s", out)
	}
}

func TestSummary_flagsOrphanSignal(t *testing.T) {
	var sum summary
	_ = sum.add(engine.LogEntry{Tick: 5, Kind: engine.EntrySignal, Signal: protocol.SignalPassDone})
	_ = sum.add(engine.LogEntry{Tick: 6, Kind: engine.EntryPass, Pass: 1, Page: 3, Pages: 2})
	if len(sum.problems) != 2 {
		t.Fatalf("problems=%v", sum.problems)
	}
	if err := sum.add(engine.LogEntry{Tick: 7, Kind: "weather"}); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
