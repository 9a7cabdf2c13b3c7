// Package indexdb keeps a queryable SQLite index of fetches and completed
// passes. The compressed pass log remains the source of truth; the index is
// written asynchronously and drops records when it falls behind.
package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"flapboard.app/internal/feed"
	"flapboard.app/internal/flap/engine"
)

const defaultQueue = 4096

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropFetch atomic.Uint64
	dropPass  atomic.Uint64
}

type reqKind int

const (
	reqFetch reqKind = iota + 1
	reqPass
)

type req struct {
	kind reqKind

	fetch feed.FetchRecord
	pass  engine.PassRecord
}

type Stats struct {
	QueueDepth     int    `json:"queue_depth"`
	QueueCapacity  int    `json:"queue_capacity"`
	DropFetchTotal uint64 `json:"drop_fetch_total"`
	DropPassTotal  uint64 `json:"drop_pass_total"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, defaultQueue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS fetches (
			id TEXT PRIMARY KEY,
			plugin TEXT NOT NULL,
			started_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			items INTEGER NOT NULL,
			err TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_fetches_started ON fetches(started_at);`,
		`CREATE TABLE IF NOT EXISTS passes (
			pass INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,
			page INTEGER NOT NULL,
			pages INTEGER NOT NULL,
			records INTEGER NOT NULL,
			tick INTEGER NOT NULL,
			time_ms INTEGER NOT NULL,
			PRIMARY KEY (recorded_at, pass)
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) RecordFetch(rec feed.FetchRecord) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqFetch, fetch: rec}:
	default:
		s.dropFetch.Add(1)
	}
}

func (s *SQLiteIndex) RecordPass(rec engine.PassRecord) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqPass, pass: rec}:
	default:
		s.dropPass.Add(1)
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropFetchTotal: s.dropFetch.Load(),
		DropPassTotal:  s.dropPass.Load(),
	}
}

// RecentFetches returns up to limit fetches, newest first. Records still
// queued for the writer are not visible yet.
func (s *SQLiteIndex) RecentFetches(ctx context.Context, limit int) ([]feed.FetchRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, plugin, started_at, duration_ms, items, COALESCE(err,'') FROM fetches ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []feed.FetchRecord{}
	for rows.Next() {
		var (
			rec     feed.FetchRecord
			started string
		)
		if err := rows.Scan(&rec.ID, &rec.Plugin, &started, &rec.DurationMS, &rec.Items, &rec.Err); err != nil {
			return nil, err
		}
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecentPasses returns up to limit completed passes, newest first.
func (s *SQLiteIndex) RecentPasses(ctx context.Context, limit int) ([]engine.PassRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT pass, recorded_at, page, pages, records, tick, time_ms FROM passes ORDER BY recorded_at DESC, pass DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []engine.PassRecord{}
	for rows.Next() {
		var (
			rec  engine.PassRecord
			at   string
			pass int64
			tick int64
		)
		if err := rows.Scan(&pass, &at, &rec.Page, &rec.Pages, &rec.Records, &tick, &rec.TimeMS); err != nil {
			return nil, err
		}
		rec.Pass = uint64(pass)
		rec.Tick = uint64(tick)
		rec.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PassCount returns how many completed passes are indexed.
func (s *SQLiteIndex) PassCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM passes`).Scan(&n)
	return n, err
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertFetch, _ := s.db.Prepare(`INSERT OR REPLACE INTO fetches(id,plugin,started_at,duration_ms,items,err) VALUES(?,?,?,?,?,?)`)
	insertPass, _ := s.db.Prepare(`INSERT OR REPLACE INTO passes(pass,recorded_at,page,pages,records,tick,time_ms) VALUES(?,?,?,?,?,?,?)`)
	defer func() {
		if insertFetch != nil {
			_ = insertFetch.Close()
		}
		if insertPass != nil {
			_ = insertPass.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 200
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqFetch:
			f := r.fetch
			if insertFetch == nil {
				continue
			}
			if _, err := tx.Stmt(insertFetch).Exec(
				f.ID,
				f.Plugin,
				f.StartedAt.UTC().Format(time.RFC3339Nano),
				f.DurationMS,
				f.Items,
				nullable(f.Err),
			); err != nil {
				rollback()
				continue
			}
			opCount++

		case reqPass:
			p := r.pass
			if insertPass == nil {
				continue
			}
			at := p.At
			if at.IsZero() {
				at = time.Now()
			}
			if _, err := tx.Stmt(insertPass).Exec(
				int64(p.Pass),
				at.UTC().Format(time.RFC3339Nano),
				p.Page,
				p.Pages,
				p.Records,
				int64(p.Tick),
				p.TimeMS,
			); err != nil {
				rollback()
				continue
			}
			opCount++
		}
		// An idle queue commits right away so readers sharing the single
		// connection are not held behind an open batch.
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(s.ch) == 0 {
			commit()
		}
	}

	commit()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
