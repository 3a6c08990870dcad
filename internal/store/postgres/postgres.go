// Package postgres implements the remote tick store backend: one logical
// database with the three tables declaratively partitioned by month.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/tickvault/tickvault/internal/errs"
	"github.com/tickvault/tickvault/internal/exchange"
	"github.com/tickvault/tickvault/internal/instruments"
	"github.com/tickvault/tickvault/internal/store"
)

// Config tunes the connection pool.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
}

// DefaultConfig returns pool settings suited to the single-writer,
// few-reader workload of the data plane.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    5 * time.Minute,
	}
}

// Store is the remote backend.
type Store struct {
	db     *sqlx.DB
	config Config
	reg    *exchange.Registry
}

// New connects and pings the remote database.
func New(config Config, reg *exchange.Registry) (*Store, error) {
	db, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, err, "failed to open database")
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindStore, err, "failed to ping database")
	}
	return &Store{db: db, config: config, reg: reg}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.config.QueryTimeout)
}

// EnsureSchema creates the partitioned tables, records the schema version,
// and attaches catalogue comments. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			key text PRIMARY KEY,
			value text NOT NULL
		)`,
		tickDDL(store.TableRawSpreadTicks),
		tickDDL(store.TableStandardTicks),
		s.barDDL(),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errs.Wrap(errs.KindStore, err, "failed to create schema")
		}
	}
	if err := s.checkVersion(ctx); err != nil {
		return err
	}
	return s.writeComments(ctx)
}

func tickDDL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		symbol text NOT NULL,
		ts timestamptz NOT NULL,
		bid double precision NOT NULL,
		ask double precision NOT NULL,
		PRIMARY KEY (symbol, ts)
	) PARTITION BY RANGE (ts)`, table)
}

func (s *Store) barDDL() string {
	types := map[string]string{
		"tick_count_raw_spread": "integer NOT NULL",
		"tick_count_standard":   "integer",
		"ny_hour":               "smallint NOT NULL",
		"london_hour":           "smallint NOT NULL",
		"ny_session":            "text NOT NULL",
		"london_session":        "text NOT NULL",
		"is_us_holiday":         "smallint NOT NULL",
		"is_uk_holiday":         "smallint NOT NULL",
		"is_major_holiday":      "smallint NOT NULL",
		"open":                  "double precision NOT NULL",
		"high":                  "double precision NOT NULL",
		"low":                   "double precision NOT NULL",
		"close":                 "double precision NOT NULL",
	}
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS " + store.TableOHLC + " (\n")
	b.WriteString("\tsymbol text NOT NULL,\n")
	b.WriteString("\tts timestamptz NOT NULL,\n")
	for _, col := range store.BarColumns(s.reg) {
		typ, ok := types[col]
		if !ok {
			typ = "double precision"
			if strings.HasPrefix(col, "is_") {
				typ = "smallint NOT NULL"
			}
		}
		b.WriteString("\t" + pq.QuoteIdentifier(col) + " " + typ + ",\n")
	}
	b.WriteString("\tPRIMARY KEY (symbol, ts)\n) PARTITION BY RANGE (ts)")
	return b.String()
}

func (s *Store) checkVersion(ctx context.Context) error {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM schema_meta WHERE key = 'version'`)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO schema_meta (key, value) VALUES ('version', $1)`,
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

func (s *Store) writeComments(ctx context.Context) error {
	run := func(stmt string) error {
		_, err := s.db.ExecContext(ctx, stmt)
		if err != nil {
			return errs.Wrap(errs.KindStore, err, "failed to write schema comment")
		}
		return nil
	}
	for table, descr := range store.TableComments {
		if err := run(fmt.Sprintf(`COMMENT ON TABLE %s IS %s`, table, pq.QuoteLiteral(descr))); err != nil {
			return err
		}
	}
	for _, table := range []string{store.TableRawSpreadTicks, store.TableStandardTicks} {
		for _, col := range []string{"symbol", "ts", "bid", "ask"} {
			if err := run(fmt.Sprintf(`COMMENT ON COLUMN %s.%s IS %s`,
				table, col, pq.QuoteLiteral(store.ColumnComments[col]))); err != nil {
				return err
			}
		}
	}
	for _, col := range append([]string{"symbol", "ts"}, store.BarBaseColumns...) {
		if err := run(fmt.Sprintf(`COMMENT ON COLUMN %s.%s IS %s`,
			store.TableOHLC, pq.QuoteIdentifier(col), pq.QuoteLiteral(store.ColumnComments[col]))); err != nil {
			return err
		}
	}
	for _, ex := range s.reg.All() {
		if err := run(fmt.Sprintf(`COMMENT ON COLUMN %s.%s IS %s`,
			store.TableOHLC, ex.SessionColumn(), pq.QuoteLiteral(store.SessionColumnComment(ex)))); err != nil {
			return err
		}
	}
	return nil
}

// ensurePartition creates the month partition of table covering ym.
func (s *Store) ensurePartition(ctx context.Context, table string, ym store.YearMonth) error {
	name := fmt.Sprintf("%s_y%04dm%02d", table, ym.Year, int(ym.Month))
	from := ym.Start().Format("2006-01-02")
	to := ym.Next().Start().Format("2006-01-02")
	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
		name, table, from, to)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return errs.Wrap(errs.KindStore, err, "failed to create partition %s", name)
	}
	return nil
}

// AppendTicks bulk-upserts via unnest arrays. Returns the number of newly
// inserted keys; the xmax = 0 test distinguishes inserts from conflict
// updates.
func (s *Store) AppendTicks(ctx context.Context, instrument string, variant instruments.Variant, batch []store.Tick) (int64, error) {
	if err := instruments.Validate(instrument); err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	table := store.TickTable(variant)
	deduped := dedupe(batch)

	months := make(map[store.YearMonth]bool)
	symbols := make([]string, len(deduped))
	stamps := make([]time.Time, len(deduped))
	bids := make([]float64, len(deduped))
	asks := make([]float64, len(deduped))
	for i, t := range deduped {
		ts := t.TS.UTC()
		months[store.YearMonthOf(ts)] = true
		symbols[i] = instrument
		stamps[i] = ts
		bids[i] = t.Bid
		asks[i] = t.Ask
	}
	for ym := range months {
		if err := s.ensurePartition(ctx, table, ym); err != nil {
			return 0, err
		}
	}

	query := `INSERT INTO ` + table + ` (symbol, ts, bid, ask)
		SELECT * FROM unnest($1::text[], $2::timestamptz[], $3::float8[], $4::float8[])
		ON CONFLICT (symbol, ts) DO UPDATE SET bid = EXCLUDED.bid, ask = EXCLUDED.ask
		RETURNING (xmax = 0) AS inserted`

	rows, err := s.db.QueryxContext(ctx, query,
		pq.Array(symbols), pq.Array(stamps), pq.Array(bids), pq.Array(asks))
	if err != nil {
		return 0, errs.Wrap(errs.KindStore, err, "failed to append into %s", table)
	}
	defer rows.Close()

	var inserted int64
	for rows.Next() {
		var isInsert bool
		if err := rows.Scan(&isInsert); err != nil {
			return 0, errs.Wrap(errs.KindStore, err, "failed to scan append result")
		}
		if isInsert {
			inserted++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, errs.Wrap(errs.KindStore, err, "append into %s failed", table)
	}
	return inserted, nil
}

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
	if err := instruments.Validate(instrument); err != nil {
		return 0, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int64
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM `+store.TickTable(variant)+` WHERE symbol = $1`, instrument)
	if err != nil {
		return 0, errs.Wrap(errs.KindStore, err, "failed to count ticks")
	}
	return n, nil
}

func (s *Store) TickRange(ctx context.Context, instrument string, variant instruments.Variant) (*time.Time, *time.Time, error) {
	if err := instruments.Validate(instrument); err != nil {
		return nil, nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var row struct {
		Min sql.NullTime `db:"min_ts"`
		Max sql.NullTime `db:"max_ts"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT MIN(ts) AS min_ts, MAX(ts) AS max_ts FROM `+store.TickTable(variant)+` WHERE symbol = $1`, instrument)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindStore, err, "failed to read tick range")
	}
	if !row.Min.Valid {
		return nil, nil, nil
	}
	minTS := row.Min.Time.UTC()
	maxTS := row.Max.Time.UTC()
	return &minTS, &maxTS, nil
}

func (s *Store) ScanTicks(ctx context.Context, instrument string, variant instruments.Variant, opts store.ScanOptions) (store.TickIter, error) {
	if err := instruments.Validate(instrument); err != nil {
		return nil, err
	}

	query := `SELECT symbol, ts, bid, ask FROM ` + store.TickTable(variant) + ` WHERE symbol = $1`
	args := []interface{}{instrument}
	n := 1
	if opts.Start != nil {
		n++
		query += fmt.Sprintf(` AND ts >= $%d`, n)
		args = append(args, opts.Start.UTC())
	}
	if opts.End != nil {
		n++
		query += fmt.Sprintf(` AND ts < $%d`, n)
		args = append(args, opts.End.UTC())
	}
	if opts.ExtraFilter != "" {
		query += ` AND (` + opts.ExtraFilter + `)`
	}
	query += ` ORDER BY ts ASC`

	rows, err := s.db.QueryxContext(ctx, query, args...)
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
	var t store.Tick
	if err := it.rows.Scan(&t.Symbol, &t.TS, &t.Bid, &t.Ask); err != nil {
		it.err = errs.Wrap(errs.KindStore, err, "failed to scan tick row")
		return false
	}
	t.TS = t.TS.UTC()
	it.cur = t
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
	if err := instruments.Validate(instrument); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var keys []string
	err := s.db.SelectContext(ctx, &keys,
		`SELECT DISTINCT to_char(ts AT TIME ZONE 'UTC', 'YYYYMM') FROM `+store.TickTable(variant)+
			` WHERE symbol = $1 ORDER BY 1 ASC`, instrument)
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, err, "failed to list distinct months")
	}
	months := make([]store.YearMonth, 0, len(keys))
	for _, k := range keys {
		n, err := strconv.Atoi(k)
		if err != nil {
			return nil, errs.Wrap(errs.KindStore, err, "unexpected month key %q", k)
		}
		months = append(months, store.YearMonth{Year: n / 100, Month: time.Month(n % 100)})
	}
	return months, nil
}

func (s *Store) DeleteBars(ctx context.Context, instrument string, start, end *time.Time) (int64, error) {
	if err := instruments.Validate(instrument); err != nil {
		return 0, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `DELETE FROM ` + store.TableOHLC + ` WHERE symbol = $1`
	args := []interface{}{instrument}
	n := 1
	if start != nil {
		n++
		query += fmt.Sprintf(` AND ts >= $%d`, n)
		args = append(args, start.UTC())
	}
	if end != nil {
		n++
		query += fmt.Sprintf(` AND ts < $%d`, n)
		args = append(args, end.UTC())
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errs.Wrap(errs.KindStore, err, "failed to delete bars")
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

func (s *Store) UpsertBars(ctx context.Context, bars []store.Bar) (int64, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	months := make(map[store.YearMonth]bool)
	for _, b := range bars {
		months[store.YearMonthOf(b.TS)] = true
	}
	for ym := range months {
		if err := s.ensurePartition(ctx, store.TableOHLC, ym); err != nil {
			return 0, err
		}
	}

	cols := store.BarColumns(s.reg)
	query := upsertBarSQL(cols)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, errs.Wrap(errs.KindStore, err, "failed to begin bar transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return 0, errs.Wrap(errs.KindStore, err, "failed to prepare bar upsert")
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, barArgs(b, s.reg)...); err != nil {
			return 0, errs.Wrap(errs.KindStore, err, "failed to upsert bar at %s", b.TS)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap(errs.KindStore, err, "failed to commit bar upsert")
	}
	return int64(len(bars)), nil
}

func upsertBarSQL(cols []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO " + store.TableOHLC + " (symbol, ts")
	for _, c := range cols {
		b.WriteString(", " + pq.QuoteIdentifier(c))
	}
	b.WriteString(") VALUES ($1, $2")
	for i := range cols {
		b.WriteString(fmt.Sprintf(", $%d", i+3))
	}
	b.WriteString(") ON CONFLICT (symbol, ts) DO UPDATE SET ")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		q := pq.QuoteIdentifier(c)
		b.WriteString(q + " = EXCLUDED." + q)
	}
	return b.String()
}

func b2i(v bool) int16 {
	if v {
		return 1
	}
	return 0
}

func barArgs(b store.Bar, reg *exchange.Registry) []interface{} {
	args := []interface{}{
		b.Symbol, b.TS.UTC(),
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
	if err := instruments.Validate(instrument); err != nil {
		return nil, err
	}

	cols := store.BarColumns(s.reg)
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pq.QuoteIdentifier(c)
	}
	query := `SELECT symbol, ts, ` + strings.Join(quoted, ", ") +
		` FROM ` + store.TableOHLC + ` WHERE symbol = $1`
	args := []interface{}{instrument}
	n := 1
	if start != nil {
		n++
		query += fmt.Sprintf(` AND ts >= $%d`, n)
		args = append(args, start.UTC())
	}
	if end != nil {
		n++
		query += fmt.Sprintf(` AND ts < $%d`, n)
		args = append(args, end.UTC())
	}
	query += ` ORDER BY ts ASC`

	rows, err := s.db.QueryxContext(ctx, query, args...)
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
		rawAvg   sql.NullFloat64
		stdAvg   sql.NullFloat64
		tcStd    sql.NullInt64
		rps, rpt sql.NullFloat64
		bps, bpt sql.NullFloat64
		usH, ukH int16
		majH     int16
	)
	exchanges := reg.All()
	open := make([]int16, len(exchanges))

	dest := []interface{}{
		&bar.Symbol, &bar.TS,
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

	bar.TS = bar.TS.UTC()
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
	if err := instruments.Validate(instrument); err != nil {
		return 0, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int64
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM `+store.TableOHLC+` WHERE symbol = $1`, instrument)
	if err != nil {
		return 0, errs.Wrap(errs.KindStore, err, "failed to count bars")
	}
	return n, nil
}

// StorageBytes sums the partition tree sizes of the three tables. The
// remote backend shares storage across instruments, so this is a
// database-wide figure.
func (s *Store) StorageBytes(ctx context.Context, instrument string) (int64, error) {
	if err := instruments.Validate(instrument); err != nil {
		return 0, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var total int64
	for _, table := range []string{store.TableRawSpreadTicks, store.TableStandardTicks, store.TableOHLC} {
		var n int64
		err := s.db.GetContext(ctx, &n,
			`SELECT COALESCE(SUM(pg_total_relation_size(relid)), 0) FROM pg_partition_tree($1)`, table)
		if err != nil {
			return 0, errs.Wrap(errs.KindStore, err, "failed to size %s", table)
		}
		total += n
	}
	return total, nil
}
