// Package sqlite implements the embedded tick store backend: one pure-Go
// sqlite database file per instrument under the configured base directory.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/jmoiron/sqlx"

	"github.com/tickvault/tickvault/internal/errs"
	"github.com/tickvault/tickvault/internal/exchange"
	"github.com/tickvault/tickvault/internal/instruments"
	"github.com/tickvault/tickvault/internal/store"
)

// Store is the embedded backend. Databases are opened lazily per
// instrument and kept for the process lifetime.
type Store struct {
	baseDir string
	reg     *exchange.Registry

	mu  sync.Mutex
	dbs map[string]*sqlx.DB
}

// New creates the embedded backend rooted at baseDir.
func New(baseDir string, reg *exchange.Registry) *Store {
	return &Store{baseDir: baseDir, reg: reg, dbs: make(map[string]*sqlx.DB)}
}

// EnsureSchema creates the base directory. Per-instrument schemas are
// created when each database file is first opened.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return errs.Wrap(errs.KindStore, err, "failed to create base directory %s", s.baseDir)
	}
	return nil
}

// Close closes every open database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, db := range s.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.dbs = make(map[string]*sqlx.DB)
	return firstErr
}

// Path returns the database file for an instrument.
func (s *Store) Path(instrument string) string {
	return filepath.Join(s.baseDir, strings.ToLower(instrument)+".db")
}

func (s *Store) db(ctx context.Context, instrument string) (*sqlx.DB, error) {
	if err := instruments.Validate(instrument); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[instrument]; ok {
		return db, nil
	}

	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindStore, err, "failed to create base directory %s", s.baseDir)
	}
	// WAL lets the derivation engine hold several read cursors open at
	// once; busy_timeout makes competing writers queue instead of failing
	// with SQLITE_BUSY.
	dsn := s.Path(instrument) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, err, "failed to open %s", s.Path(instrument))
	}
	db.SetMaxOpenConns(4)

	if err := s.initSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	s.dbs[instrument] = db
	return db, nil
}

func (s *Store) initSchema(ctx context.Context, db *sqlx.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		tickDDL(store.TableRawSpreadTicks),
		tickDDL(store.TableStandardTicks),
		s.barDDL(),
		`CREATE TABLE IF NOT EXISTS schema_comments (
			tbl TEXT NOT NULL,
			col TEXT NOT NULL,
			descr TEXT NOT NULL,
			PRIMARY KEY (tbl, col)
		)`,
	}
	for _, table := range []string{store.TableRawSpreadTicks, store.TableStandardTicks} {
		stmts = append(stmts, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_%s_ym ON %s (symbol, ym)`, table, table))
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errs.Wrap(errs.KindStore, err, "failed to initialise schema")
		}
	}

	if err := s.checkVersion(ctx, db); err != nil {
		return err
	}
	return s.writeComments(ctx, db)
}

func tickDDL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		symbol TEXT NOT NULL,
		ts INTEGER NOT NULL,
		bid REAL NOT NULL,
		ask REAL NOT NULL,
		ym INTEGER NOT NULL,
		PRIMARY KEY (symbol, ts)
	)`, table)
}

func (s *Store) barDDL() string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS " + store.TableOHLC + " (\n")
	b.WriteString("\tsymbol TEXT NOT NULL,\n")
	b.WriteString("\tts INTEGER NOT NULL,\n")
	b.WriteString("\tym INTEGER NOT NULL,\n")
	types := map[string]string{
		"tick_count_raw_spread": "INTEGER NOT NULL",
		"tick_count_standard":   "INTEGER",
		"ny_hour":               "INTEGER NOT NULL",
		"london_hour":           "INTEGER NOT NULL",
		"ny_session":            "TEXT NOT NULL",
		"london_session":        "TEXT NOT NULL",
		"is_us_holiday":         "INTEGER NOT NULL",
		"is_uk_holiday":         "INTEGER NOT NULL",
		"is_major_holiday":      "INTEGER NOT NULL",
		"open":                  "REAL NOT NULL",
		"high":                  "REAL NOT NULL",
		"low":                   "REAL NOT NULL",
		"close":                 "REAL NOT NULL",
	}
	for _, col := range store.BarColumns(s.reg) {
		typ, ok := types[col]
		if !ok {
			typ = "REAL"
			if strings.HasPrefix(col, "is_") {
				typ = "INTEGER NOT NULL"
			}
		}
		b.WriteString("\t\"" + col + "\" " + typ + ",\n")
	}
	b.WriteString("\tPRIMARY KEY (symbol, ts)\n)")
	return b.String()
}

func (s *Store) checkVersion(ctx context.Context, db *sqlx.DB) error {
	var value string
	err := db.GetContext(ctx, &value, `SELECT value FROM schema_meta WHERE key = 'version'`)
	switch {
	case err == sql.ErrNoRows:
		_, err = db.ExecContext(ctx,
			`INSERT INTO schema_meta (key, value) VALUES ('version', ?)`,
			strconv.Itoa(store.SchemaVersion))
		if err != nil {
			return errs.Wrap(errs.KindStore, err, "failed to record schema version")
		}
		return nil
	case err != nil:
		return errs.Wrap(errs.KindStore, err, "failed to read schema version")
	}

	v, err := strconv.Atoi(value)
	if err != nil || v < store.SchemaVersion {
		return errs.New(errs.KindSchemaMismatch,
			"on-disk schema version %s is older than %d; migrate before use", value, store.SchemaVersion)
	}
	return nil
}

// writeComments materialises the table and column descriptions into the
// schema_comments metadata table, the embedded engine's stand-in for
// catalogue comments.
func (s *Store) writeComments(ctx context.Context, db *sqlx.DB) error {
	upsert := `INSERT INTO schema_comments (tbl, col, descr) VALUES (?, ?, ?)
		ON CONFLICT(tbl, col) DO UPDATE SET descr = excluded.descr`

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.KindStore, err, "failed to begin comments transaction")
	}
	defer tx.Rollback()

	for table, descr := range store.TableComments {
		if _, err := tx.ExecContext(ctx, upsert, table, "", descr); err != nil {
			return errs.Wrap(errs.KindStore, err, "failed to write table comment")
		}
	}
	tickCols := []string{"symbol", "ts", "bid", "ask", "ym"}
	for _, table := range []string{store.TableRawSpreadTicks, store.TableStandardTicks} {
		for _, col := range tickCols {
			if _, err := tx.ExecContext(ctx, upsert, table, col, store.ColumnComments[col]); err != nil {
				return errs.Wrap(errs.KindStore, err, "failed to write column comment")
			}
		}
	}
	for _, col := range append([]string{"symbol", "ts", "ym"}, store.BarBaseColumns...) {
		if _, err := tx.ExecContext(ctx, upsert, store.TableOHLC, col, store.ColumnComments[col]); err != nil {
			return errs.Wrap(errs.KindStore, err, "failed to write column comment")
		}
	}
	for _, ex := range s.reg.All() {
		if _, err := tx.ExecContext(ctx, upsert, store.TableOHLC, ex.SessionColumn(), store.SessionColumnComment(ex)); err != nil {
			return errs.Wrap(errs.KindStore, err, "failed to write column comment")
		}
	}
	return tx.Commit()
}

// AppendTicks upserts a batch, deduplicating in-batch on timestamp with
// last-row-wins, and returns the count of newly inserted keys.
func (s *Store) AppendTicks(ctx context.Context, instrument string, variant instruments.Variant, batch []store.Tick) (int64, error) {
	db, err := s.db(ctx, instrument)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}
	table := store.TickTable(variant)
	deduped := dedupe(batch)

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, errs.Wrap(errs.KindStore, err, "failed to begin append transaction")
	}
	defer tx.Rollback()

	var before int64
	if err := tx.GetContext(ctx, &before,
		`SELECT COUNT(*) FROM `+table+` WHERE symbol = ?`, instrument); err != nil {
		return 0, errs.Wrap(errs.KindStore, err, "failed to count %s", table)
	}

	stmt, err := tx.PreparexContext(ctx, `INSERT INTO `+table+` (symbol, ts, bid, ask, ym)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(symbol, ts) DO UPDATE SET bid = excluded.bid, ask = excluded.ask`)
	if err != nil {
		return 0, errs.Wrap(errs.KindStore, err, "failed to prepare append statement")
	}
	defer stmt.Close()

	for _, t := range deduped {
		ts := t.TS.UTC()
		if _, err := stmt.ExecContext(ctx, instrument, ts.UnixMicro(), t.Bid, t.Ask, store.YearMonthOf(ts).Key()); err != nil {
			return 0, errs.Wrap(errs.KindStore, err, "failed to append tick at %s", ts)
		}
	}

	var after int64
	if err := tx.GetContext(ctx, &after,
		`SELECT COUNT(*) FROM `+table+` WHERE symbol = ?`, instrument); err != nil {
		return 0, errs.Wrap(errs.KindStore, err, "failed to count %s", table)
	}
	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap(errs.KindStore, err, "failed to commit append")
	}
	return after - before, nil
}

// dedupe collapses duplicate (symbol, ts) keys keeping the last occurrence,
// mirroring the store's later-write-wins rule within a single batch.
func dedupe(batch []store.Tick) []store.Tick {
	seen := make(map[int64]int, len(batch))
	out := make([]store.Tick, 0, len(batch))
	for _, t := range batch {
		us := t.TS.UTC().UnixMicro()
		if i, ok := seen[us]; ok {
			out[i] = t
			continue
		}
		seen[us] = len(out)
		out = append(out, t)
	}
	return out
}

func (s *Store) CountTicks(ctx context.Context, instrument string, variant instruments.Variant) (int64, error) {
	db, err := s.db(ctx, instrument)
	if err != nil {
		return 0, err
	}
	var n int64
	err = db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM `+store.TickTable(variant)+` WHERE symbol = ?`, instrument)
	if err != nil {
		return 0, errs.Wrap(errs.KindStore, err, "failed to count ticks")
	}
	return n, nil
}

func (s *Store) TickRange(ctx context.Context, instrument string, variant instruments.Variant) (*time.Time, *time.Time, error) {
	db, err := s.db(ctx, instrument)
	if err != nil {
		return nil, nil, err
	}
	var row struct {
		Min sql.NullInt64 `db:"min_ts"`
		Max sql.NullInt64 `db:"max_ts"`
	}
	err = db.GetContext(ctx, &row,
		`SELECT MIN(ts) AS min_ts, MAX(ts) AS max_ts FROM `+store.TickTable(variant)+` WHERE symbol = ?`, instrument)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindStore, err, "failed to read tick range")
	}
	if !row.Min.Valid {
		return nil, nil, nil
	}
	minTS := time.UnixMicro(row.Min.Int64).UTC()
	maxTS := time.UnixMicro(row.Max.Int64).UTC()
	return &minTS, &maxTS, nil
}

func (s *Store) ScanTicks(ctx context.Context, instrument string, variant instruments.Variant, opts store.ScanOptions) (store.TickIter, error) {
	db, err := s.db(ctx, instrument)
	if err != nil {
		return nil, err
	}

	query := `SELECT symbol, ts, bid, ask FROM ` + store.TickTable(variant) + ` WHERE symbol = ?`
	args := []interface{}{instrument}
	if opts.Start != nil {
		query += ` AND ts >= ?`
		args = append(args, opts.Start.UTC().UnixMicro())
	}
	if opts.End != nil {
		query += ` AND ts < ?`
		args = append(args, opts.End.UTC().UnixMicro())
	}
	if opts.ExtraFilter != "" {
		query += ` AND (` + opts.ExtraFilter + `)`
	}
	query += ` ORDER BY ts ASC`

	rows, err := db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, err, "failed to scan %s", store.TickTable(variant))
	}
	return &tickIter{rows: rows}, nil
}

type tickIter struct {
	rows *sqlx.Rows
	cur  store.Tick
	err  error
}

func (it *tickIter) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	var (
		symbol   string
		us       int64
		bid, ask float64
	)
	if err := it.rows.Scan(&symbol, &us, &bid, &ask); err != nil {
		it.err = errs.Wrap(errs.KindStore, err, "failed to scan tick row")
		return false
	}
	it.cur = store.Tick{Symbol: symbol, TS: time.UnixMicro(us).UTC(), Bid: bid, Ask: ask}
	return true
}

func (it *tickIter) Tick() store.Tick { return it.cur }

func (it *tickIter) Err() error {
	if it.err != nil {
		return it.err
	}
	if err := it.rows.Err(); err != nil {
		return errs.Wrap(errs.KindStore, err, "tick scan failed")
	}
	return nil
}

func (it *tickIter) Close() error { return it.rows.Close() }

func (s *Store) DistinctMonths(ctx context.Context, instrument string, variant instruments.Variant) ([]store.YearMonth, error) {
	db, err := s.db(ctx, instrument)
	if err != nil {
		return nil, err
	}
	var keys []int
	err = db.SelectContext(ctx, &keys,
		`SELECT DISTINCT ym FROM `+store.TickTable(variant)+` WHERE symbol = ? ORDER BY ym ASC`, instrument)
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, err, "failed to list distinct months")
	}
	months := make([]store.YearMonth, len(keys))
	for i, k := range keys {
		months[i] = store.YearMonth{Year: k / 100, Month: time.Month(k % 100)}
	}
	return months, nil
}

func (s *Store) DeleteBars(ctx context.Context, instrument string, start, end *time.Time) (int64, error) {
	db, err := s.db(ctx, instrument)
	if err != nil {
		return 0, err
	}
	query := `DELETE FROM ` + store.TableOHLC + ` WHERE symbol = ?`
	args := []interface{}{instrument}
	if start != nil {
		query += ` AND ts >= ?`
		args = append(args, start.UTC().UnixMicro())
	}
	if end != nil {
		query += ` AND ts < ?`
		args = append(args, end.UTC().UnixMicro())
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errs.Wrap(errs.KindStore, err, "failed to delete bars")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) UpsertBars(ctx context.Context, bars []store.Bar) (int64, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	cols := store.BarColumns(s.reg)
	query := upsertBarSQL(cols)

	// Each instrument lives in its own database file, so the batch is split
	// per symbol before writing.
	bySymbol := make(map[string][]store.Bar)
	for _, b := range bars {
		bySymbol[b.Symbol] = append(bySymbol[b.Symbol], b)
	}

	var total int64
	for symbol, group := range bySymbol {
		db, err := s.db(ctx, symbol)
		if err != nil {
			return total, err
		}
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return total, errs.Wrap(errs.KindStore, err, "failed to begin bar transaction")
		}
		stmt, err := tx.PreparexContext(ctx, query)
		if err != nil {
			tx.Rollback()
			return total, errs.Wrap(errs.KindStore, err, "failed to prepare bar upsert")
		}
		for _, b := range group {
			if _, err := stmt.ExecContext(ctx, barArgs(b, s.reg)...); err != nil {
				stmt.Close()
				tx.Rollback()
				return total, errs.Wrap(errs.KindStore, err, "failed to upsert bar at %s", b.TS)
			}
			total++
		}
		stmt.Close()
		if err := tx.Commit(); err != nil {
			return total, errs.Wrap(errs.KindStore, err, "failed to commit bar upsert")
		}
	}
	return total, nil
}

func upsertBarSQL(cols []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO " + store.TableOHLC + " (symbol, ts, ym")
	for _, c := range cols {
		b.WriteString(", \"" + c + "\"")
	}
	b.WriteString(") VALUES (?, ?, ?")
	b.WriteString(strings.Repeat(", ?", len(cols)))
	b.WriteString(") ON CONFLICT(symbol, ts) DO UPDATE SET ")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("\"" + c + "\" = excluded.\"" + c + "\"")
	}
	return b.String()
}

func b2i(v bool) int {
	if v {
		return 1
	}
	return 0
}

func barArgs(b store.Bar, reg *exchange.Registry) []interface{} {
	ts := b.TS.UTC()
	args := []interface{}{
		b.Symbol, ts.UnixMicro(), store.YearMonthOf(ts).Key(),
		b.Open, b.High, b.Low, b.Close,
		b.RawSpreadAvg, b.StdSpreadAvg,
		b.TickCountRaw, b.TickCountStd,
		b.RangePerSpread, b.RangePerTick, b.BodyPerSpread, b.BodyPerTick,
		b.NYHour, b.LondonHour, b.NYSessionName, b.LondonSessionName,
		b2i(b.USHoliday), b2i(b.UKHoliday), b2i(b.MajorHoliday),
	}
	for _, ex := range reg.All() {
		args = append(args, b2i(b.ExchangeOpen[ex.Key]))
	}
	return args
}

func (s *Store) ScanBars(ctx context.Context, instrument string, start, end *time.Time) ([]store.Bar, error) {
	db, err := s.db(ctx, instrument)
	if err != nil {
		return nil, err
	}

	cols := store.BarColumns(s.reg)
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = "\"" + c + "\""
	}
	query := `SELECT symbol, ts, ` + strings.Join(quoted, ", ") +
		` FROM ` + store.TableOHLC + ` WHERE symbol = ?`
	args := []interface{}{instrument}
	if start != nil {
		query += ` AND ts >= ?`
		args = append(args, start.UTC().UnixMicro())
	}
	if end != nil {
		query += ` AND ts < ?`
		args = append(args, end.UTC().UnixMicro())
	}
	query += ` ORDER BY ts ASC`

	rows, err := db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, err, "failed to scan bars")
	}
	defer rows.Close()

	var bars []store.Bar
	for rows.Next() {
		bar, err := scanBar(rows, s.reg)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindStore, err, "bar scan failed")
	}
	return bars, nil
}

func scanBar(rows *sqlx.Rows, reg *exchange.Registry) (store.Bar, error) {
	var (
		bar      store.Bar
		us       int64
		rawAvg   sql.NullFloat64
		stdAvg   sql.NullFloat64
		tcStd    sql.NullInt64
		rps, rpt sql.NullFloat64
		bps, bpt sql.NullFloat64
		usH, ukH int
		majH     int
	)
	exchanges := reg.All()
	open := make([]int, len(exchanges))

	dest := []interface{}{
		&bar.Symbol, &us,
		&bar.Open, &bar.High, &bar.Low, &bar.Close,
		&rawAvg, &stdAvg,
		&bar.TickCountRaw, &tcStd,
		&rps, &rpt, &bps, &bpt,
		&bar.NYHour, &bar.LondonHour, &bar.NYSessionName, &bar.LondonSessionName,
		&usH, &ukH, &majH,
	}
	for i := range open {
		dest = append(dest, &open[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return bar, errs.Wrap(errs.KindStore, err, "failed to scan bar row")
	}

	bar.TS = time.UnixMicro(us).UTC()
	bar.RawSpreadAvg = nullFloat(rawAvg)
	bar.StdSpreadAvg = nullFloat(stdAvg)
	if tcStd.Valid {
		v := int32(tcStd.Int64)
		bar.TickCountStd = &v
	}
	bar.RangePerSpread = nullFloat(rps)
	bar.RangePerTick = nullFloat(rpt)
	bar.BodyPerSpread = nullFloat(bps)
	bar.BodyPerTick = nullFloat(bpt)
	bar.USHoliday = usH != 0
	bar.UKHoliday = ukH != 0
	bar.MajorHoliday = majH != 0
	bar.ExchangeOpen = make(map[string]bool, len(exchanges))
	for i, ex := range exchanges {
		bar.ExchangeOpen[ex.Key] = open[i] != 0
	}
	return bar, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func (s *Store) BarCount(ctx context.Context, instrument string) (int64, error) {
	db, err := s.db(ctx, instrument)
	if err != nil {
		return 0, err
	}
	var n int64
	err = db.GetContext(ctx, &n, `SELECT COUNT(*) FROM `+store.TableOHLC+` WHERE symbol = ?`, instrument)
	if err != nil {
		return 0, errs.Wrap(errs.KindStore, err, "failed to count bars")
	}
	return n, nil
}

// StorageBytes reports the size of the instrument's database file.
func (s *Store) StorageBytes(ctx context.Context, instrument string) (int64, error) {
	if err := instruments.Validate(instrument); err != nil {
		return 0, err
	}
	// Not-yet-checkpointed pages live in the -wal sidecar, so both files
	// count toward the footprint.
	var total int64
	for _, path := range []string{s.Path(instrument), s.Path(instrument) + "-wal"} {
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return 0, errs.Wrap(errs.KindStore, err, "failed to stat %s", path)
		}
		total += info.Size()
	}
	return total, nil
}
