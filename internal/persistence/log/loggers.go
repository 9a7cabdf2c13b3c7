package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"flapboard.app/internal/flap/engine"
)

const fileSuffix = ".jsonl.zst"

// segment is one open hourly file: json lines, buffered, zstd compressed.
type segment struct {
	hour string
	path string
	file *os.File
	zw   *zstd.Encoder
	buf  *bufio.Writer
	enc  *json.Encoder
}

func openSegment(path, hour string) (*segment, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	zw, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	buf := bufio.NewWriterSize(zw, 32*1024)
	return &segment{hour: hour, path: path, file: file, zw: zw, buf: buf, enc: json.NewEncoder(buf)}, nil
}

// append writes v as one line and flushes it into the compressor.
func (s *segment) append(v any) error {
	if err := s.enc.Encode(v); err != nil {
		return err
	}
	return s.buf.Flush()
}

func (s *segment) close() error {
	return errors.Join(s.buf.Flush(), s.zw.Close(), s.file.Close())
}

// HourlyWriter appends JSON lines to <dir>/<prefix>-YYYY-MM-DD-HH.jsonl.zst,
// starting a new segment when the UTC hour changes.
type HourlyWriter struct {
	dir    string
	prefix string
	clock  func() time.Time

	mu  sync.Mutex
	seg *segment
}

func NewHourlyWriter(dir, prefix string) *HourlyWriter {
	return &HourlyWriter{dir: dir, prefix: prefix, clock: time.Now}
}

func (w *HourlyWriter) Append(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.clock().UTC().Format("2006-01-02-15")
	if w.seg == nil || w.seg.hour != hour {
		if err := w.swap(hour); err != nil {
			return err
		}
	}
	return w.seg.append(v)
}

// Path is the segment currently open, or "" before the first append.
func (w *HourlyWriter) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seg == nil {
		return ""
	}
	return w.seg.path
}

func (w *HourlyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.release()
}

func (w *HourlyWriter) swap(hour string) error {
	if err := w.release(); err != nil {
		return err
	}
	seg, err := openSegment(filepath.Join(w.dir, w.prefix+"-"+hour+fileSuffix), hour)
	if err != nil {
		return fmt.Errorf("open %s segment %s: %w", w.prefix, hour, err)
	}
	w.seg = seg
	return nil
}

func (w *HourlyWriter) release() error {
	if w.seg == nil {
		return nil
	}
	err := w.seg.close()
	w.seg = nil
	return err
}

// PassLogger writes one compressed JSONL entry per engine event (fetch,
// page, pass, reset, signal) under <dataDir>/passes.
type PassLogger struct{ w *HourlyWriter }

func NewPassLogger(dataDir string) *PassLogger {
	return &PassLogger{w: NewHourlyWriter(PassDir(dataDir), "passes")}
}

func PassDir(dataDir string) string { return filepath.Join(dataDir, "passes") }

func (l *PassLogger) WriteEntry(e engine.LogEntry) error { return l.w.Append(e) }
func (l *PassLogger) Close() error                       { return l.w.Close() }

// ListFiles returns the prefix-*.jsonl.zst files in dir, oldest first.
func ListFiles(dir, prefix string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, prefix+"-") && strings.HasSuffix(name, fileSuffix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// ReadEntries decodes one pass log file and calls fn for each entry in
// order. A non-nil error from fn stops the read.
func ReadEntries(path string, fn func(engine.LogEntry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e engine.LogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return sc.Err()
}
