// Package store persists the simulator's state in SQLite: instrument and
// index snapshots, OHLCV history, and market regime rows.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"marketsim/pkg/types"
)

// Store wraps a SQLite database. All multi-row writes from the tick
// pipeline go through one transaction so a failed tick leaves no
// partial state behind.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and runs migrations.
// Use ":memory:" for an ephemeral database in tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	s.logger.Info("database opened", "path", path)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	version := 0
	s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS sectors (
				code TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				beta REAL NOT NULL DEFAULT 1.0
			);

			CREATE TABLE IF NOT EXISTS stocks (
				symbol         TEXT PRIMARY KEY,
				name           TEXT NOT NULL,
				sector_code    TEXT NOT NULL REFERENCES sectors(code),
				price          REAL NOT NULL,
				previous_close REAL NOT NULL,
				change         REAL NOT NULL DEFAULT 0,
				change_pct     REAL NOT NULL DEFAULT 0,
				volume         INTEGER NOT NULL DEFAULT 0,
				turnover       REAL NOT NULL DEFAULT 0,
				updated_at     TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS stock_metadata (
				symbol     TEXT PRIMARY KEY REFERENCES stocks(symbol),
				market_cap INTEGER NOT NULL DEFAULT 0,
				beta       REAL NOT NULL DEFAULT 1.0,
				volatility REAL NOT NULL DEFAULT 0
			);

			CREATE TABLE IF NOT EXISTS indices (
				code           TEXT PRIMARY KEY,
				name           TEXT NOT NULL,
				base_value     REAL NOT NULL,
				calc_method    TEXT NOT NULL DEFAULT 'CAP_WEIGHTED',
				value          REAL NOT NULL,
				previous_close REAL NOT NULL,
				change         REAL NOT NULL DEFAULT 0,
				change_pct     REAL NOT NULL DEFAULT 0,
				updated_at     TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS index_constituents (
				index_code TEXT NOT NULL REFERENCES indices(code),
				symbol     TEXT NOT NULL REFERENCES stocks(symbol),
				weight     REAL NOT NULL,
				rank       INTEGER NOT NULL DEFAULT 0,
				active     INTEGER NOT NULL DEFAULT 1,
				PRIMARY KEY (index_code, symbol)
			);

			CREATE TABLE IF NOT EXISTS market_states (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				regime         TEXT NOT NULL,
				start_time     TEXT NOT NULL,
				end_time       TEXT,
				daily_drift    REAL NOT NULL,
				vol_multiplier REAL NOT NULL,
				is_current     INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX IF NOT EXISTS idx_market_states_current ON market_states(is_current);

			CREATE TABLE IF NOT EXISTS price_data (
				target_type TEXT NOT NULL,
				target_code TEXT NOT NULL,
				interval    TEXT NOT NULL DEFAULT 'tick',
				timestamp   INTEGER NOT NULL,
				datetime    TEXT NOT NULL,
				open        REAL NOT NULL,
				close       REAL NOT NULL,
				high        REAL NOT NULL,
				low         REAL NOT NULL,
				volume      INTEGER NOT NULL DEFAULT 0,
				turnover    REAL NOT NULL DEFAULT 0,
				change_pct  REAL NOT NULL DEFAULT 0,
				PRIMARY KEY (target_type, target_code, interval, timestamp)
			);
			CREATE INDEX IF NOT EXISTS idx_price_data_code_ts ON price_data(target_code, timestamp);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
		s.logger.Info("applied migration v1")
	}

	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Seed / reference data
// ————————————————————————————————————————————————————————————————————————

// UpsertSector inserts or replaces a sector row.
func (s *Store) UpsertSector(ctx context.Context, sec types.Sector) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sectors (code, name, beta) VALUES (?, ?, ?)`,
		sec.Code, sec.Name, sec.Beta)
	if err != nil {
		return fmt.Errorf("upsert sector %s: %w", sec.Code, err)
	}
	return nil
}

// UpsertInstrument inserts or replaces an instrument and its metadata.
func (s *Store) UpsertInstrument(ctx context.Context, inst types.Instrument) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO stocks
		 (symbol, name, sector_code, price, previous_close, change, change_pct, volume, turnover, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.Symbol, inst.Name, inst.SectorCode, inst.Price, inst.PreviousClose,
		inst.Change, inst.ChangePct, inst.Volume, inst.Turnover,
		inst.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert stock %s: %w", inst.Symbol, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO stock_metadata (symbol, market_cap, beta, volatility)
		 VALUES (?, ?, ?, ?)`,
		inst.Symbol, inst.MarketCap, inst.Beta, inst.Volatility)
	if err != nil {
		return fmt.Errorf("upsert metadata %s: %w", inst.Symbol, err)
	}
	return tx.Commit()
}

// UpsertIndex inserts or replaces an index row.
func (s *Store) UpsertIndex(ctx context.Context, idx types.Index) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO indices
		 (code, name, base_value, calc_method, value, previous_close, change, change_pct, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		idx.Code, idx.Name, idx.BaseValue, string(idx.Method), idx.Value, idx.PreviousClose,
		idx.Change, idx.ChangePct, idx.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert index %s: %w", idx.Code, err)
	}
	return nil
}

// ReplaceConstituents validates and replaces the full constituent set of
// one index.
func (s *Store) ReplaceConstituents(ctx context.Context, indexCode string, cs []types.IndexConstituent) error {
	if err := types.ValidateWeights(cs); err != nil {
		return fmt.Errorf("constituents of %s: %w", indexCode, err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM index_constituents WHERE index_code = ?`, indexCode); err != nil {
		return fmt.Errorf("clear constituents %s: %w", indexCode, err)
	}
	for _, c := range cs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO index_constituents (index_code, symbol, weight, rank, active)
			 VALUES (?, ?, ?, ?, ?)`,
			indexCode, c.Symbol, c.Weight, c.Rank, boolInt(c.Active))
		if err != nil {
			return fmt.Errorf("insert constituent %s/%s: %w", indexCode, c.Symbol, err)
		}
	}
	return tx.Commit()
}

// ————————————————————————————————————————————————————————————————————————
// Snapshot reads
// ————————————————————————————————————————————————————————————————————————

// Instruments returns all instruments with metadata, ordered by symbol.
func (s *Store) Instruments(ctx context.Context) ([]types.Instrument, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.symbol, s.name, s.sector_code, s.price, s.previous_close,
		        s.change, s.change_pct, s.volume, s.turnover, s.updated_at,
		        COALESCE(m.market_cap, 0), COALESCE(m.beta, 1.0), COALESCE(m.volatility, 0)
		 FROM stocks s LEFT JOIN stock_metadata m ON m.symbol = s.symbol
		 ORDER BY s.symbol`)
	if err != nil {
		return nil, fmt.Errorf("query stocks: %w", err)
	}
	defer rows.Close()

	var out []types.Instrument
	for rows.Next() {
		var inst types.Instrument
		var updatedAt string
		if err := rows.Scan(&inst.Symbol, &inst.Name, &inst.SectorCode, &inst.Price,
			&inst.PreviousClose, &inst.Change, &inst.ChangePct, &inst.Volume,
			&inst.Turnover, &updatedAt, &inst.MarketCap, &inst.Beta, &inst.Volatility); err != nil {
			return nil, fmt.Errorf("scan stock: %w", err)
		}
		inst.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, inst)
	}
	return out, rows.Err()
}

// Sectors returns all sectors ordered by code.
func (s *Store) Sectors(ctx context.Context) ([]types.Sector, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT code, name, beta FROM sectors ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("query sectors: %w", err)
	}
	defer rows.Close()

	var out []types.Sector
	for rows.Next() {
		var sec types.Sector
		if err := rows.Scan(&sec.Code, &sec.Name, &sec.Beta); err != nil {
			return nil, fmt.Errorf("scan sector: %w", err)
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

// Indices returns all indices ordered by code.
func (s *Store) Indices(ctx context.Context) ([]types.Index, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, name, base_value, calc_method, value, previous_close, change, change_pct, updated_at
		 FROM indices ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("query indices: %w", err)
	}
	defer rows.Close()

	var out []types.Index
	for rows.Next() {
		var idx types.Index
		var method, updatedAt string
		if err := rows.Scan(&idx.Code, &idx.Name, &idx.BaseValue, &method, &idx.Value,
			&idx.PreviousClose, &idx.Change, &idx.ChangePct, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}
		idx.Method = types.CalcMethod(method)
		idx.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, idx)
	}
	return out, rows.Err()
}

// Constituents returns the active constituents of one index, ordered by rank.
func (s *Store) Constituents(ctx context.Context, indexCode string) ([]types.IndexConstituent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT index_code, symbol, weight, rank, active
		 FROM index_constituents WHERE index_code = ? AND active = 1 ORDER BY rank`, indexCode)
	if err != nil {
		return nil, fmt.Errorf("query constituents %s: %w", indexCode, err)
	}
	defer rows.Close()

	var out []types.IndexConstituent
	for rows.Next() {
		var c types.IndexConstituent
		var active int
		if err := rows.Scan(&c.IndexCode, &c.Symbol, &c.Weight, &c.Rank, &active); err != nil {
			return nil, fmt.Errorf("scan constituent: %w", err)
		}
		c.Active = active != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Tick commit
// ————————————————————————————————————————————————————————————————————————

// CommitTick writes the full output of one tick in a single transaction:
// dynamic instrument state, index state, and the new OHLCV bars. If any
// write fails the transaction rolls back and the tick leaves no trace.
func (s *Store) CommitTick(ctx context.Context, instruments []types.Instrument, indices []types.Index, bars []types.Bar) error {
	for _, b := range bars {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("commit tick: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tick tx: %w", err)
	}
	defer tx.Rollback()

	stockStmt, err := tx.PrepareContext(ctx,
		`UPDATE stocks SET price = ?, previous_close = ?, change = ?, change_pct = ?,
		        volume = ?, turnover = ?, updated_at = ?
		 WHERE symbol = ?`)
	if err != nil {
		return fmt.Errorf("prepare stock update: %w", err)
	}
	defer stockStmt.Close()
	for _, inst := range instruments {
		_, err := stockStmt.ExecContext(ctx, inst.Price, inst.PreviousClose, inst.Change,
			inst.ChangePct, inst.Volume, inst.Turnover,
			inst.UpdatedAt.UTC().Format(time.RFC3339), inst.Symbol)
		if err != nil {
			return fmt.Errorf("update stock %s: %w", inst.Symbol, err)
		}
	}

	idxStmt, err := tx.PrepareContext(ctx,
		`UPDATE indices SET value = ?, previous_close = ?, change = ?, change_pct = ?, updated_at = ?
		 WHERE code = ?`)
	if err != nil {
		return fmt.Errorf("prepare index update: %w", err)
	}
	defer idxStmt.Close()
	for _, idx := range indices {
		_, err := idxStmt.ExecContext(ctx, idx.Value, idx.PreviousClose, idx.Change,
			idx.ChangePct, idx.UpdatedAt.UTC().Format(time.RFC3339), idx.Code)
		if err != nil {
			return fmt.Errorf("update index %s: %w", idx.Code, err)
		}
	}

	barStmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO price_data
		 (target_type, target_code, interval, timestamp, datetime, open, close, high, low, volume, turnover, change_pct)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare bar insert: %w", err)
	}
	defer barStmt.Close()
	for _, b := range bars {
		dt := time.Unix(b.Timestamp, 0).UTC().Format(time.RFC3339)
		_, err := barStmt.ExecContext(ctx, string(b.TargetType), b.TargetCode, b.Interval,
			b.Timestamp, dt, b.Open, b.Close, b.High, b.Low, b.Volume, b.Turnover, b.ChangePct)
		if err != nil {
			return fmt.Errorf("insert bar %s/%s@%d: %w", b.TargetType, b.TargetCode, b.Timestamp, err)
		}
	}

	return tx.Commit()
}

// ————————————————————————————————————————————————————————————————————————
// History queries
// ————————————————————————————————————————————————————————————————————————

const barColumns = `target_type, target_code, interval, timestamp, open, close, high, low, volume, turnover, change_pct`

func scanBars(rows *sql.Rows) ([]types.Bar, error) {
	defer rows.Close()
	var out []types.Bar
	for rows.Next() {
		var b types.Bar
		var tt string
		if err := rows.Scan(&tt, &b.TargetCode, &b.Interval, &b.Timestamp,
			&b.Open, &b.Close, &b.High, &b.Low, &b.Volume, &b.Turnover, &b.ChangePct); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		b.TargetType = types.TargetType(tt)
		out = append(out, b)
	}
	return out, rows.Err()
}

// HistoryRange returns bars for one target in [from, to], ascending.
func (s *Store) HistoryRange(ctx context.Context, tt types.TargetType, code string, from, to int64) ([]types.Bar, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+barColumns+` FROM price_data
		 WHERE target_type = ? AND target_code = ? AND timestamp BETWEEN ? AND ?
		 ORDER BY timestamp ASC`, string(tt), code, from, to)
	if err != nil {
		return nil, fmt.Errorf("history range %s/%s: %w", tt, code, err)
	}
	return scanBars(rows)
}

// HistoryLast returns the most recent n bars for one target, ascending.
func (s *Store) HistoryLast(ctx context.Context, tt types.TargetType, code string, n int) ([]types.Bar, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+barColumns+` FROM price_data
		 WHERE target_type = ? AND target_code = ?
		 ORDER BY timestamp DESC LIMIT ?`, string(tt), code, n)
	if err != nil {
		return nil, fmt.Errorf("history last %s/%s: %w", tt, code, err)
	}
	bars, err := scanBars(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// ————————————————————————————————————————————————————————————————————————
// Regime persistence
// ————————————————————————————————————————————————————————————————————————

// CurrentRegime returns the single current regime row, or nil if none
// has been recorded yet.
func (s *Store) CurrentRegime(ctx context.Context) (*types.RegimeState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, regime, start_time, end_time, daily_drift, vol_multiplier, is_current
		 FROM market_states WHERE is_current = 1 LIMIT 1`)

	var st types.RegimeState
	var regime, startTime string
	var endTime sql.NullString
	var current int
	err := row.Scan(&st.ID, &regime, &startTime, &endTime, &st.DailyDrift, &st.VolMultiplier, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query current regime: %w", err)
	}
	st.Regime = types.Regime(regime)
	st.StartTime, _ = time.Parse(time.RFC3339, startTime)
	if endTime.Valid {
		t, _ := time.Parse(time.RFC3339, endTime.String)
		st.EndTime = &t
	}
	st.Current = current != 0
	return &st, nil
}

// SaveRegime closes the current regime row (if any) and inserts st as the
// new current one, in a single transaction. Returns the new row id.
func (s *Store) SaveRegime(ctx context.Context, st types.RegimeState) (int64, error) {
	if !st.Regime.Valid() {
		return 0, fmt.Errorf("save regime: unknown regime %q", st.Regime)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin regime tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE market_states SET is_current = 0, end_time = ? WHERE is_current = 1`,
		st.StartTime.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("close current regime: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO market_states (regime, start_time, end_time, daily_drift, vol_multiplier, is_current)
		 VALUES (?, ?, NULL, ?, ?, 1)`,
		string(st.Regime), st.StartTime.UTC().Format(time.RFC3339), st.DailyDrift, st.VolMultiplier)
	if err != nil {
		return 0, fmt.Errorf("insert regime: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("regime id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// ————————————————————————————————————————————————————————————————————————
// Aggregates
// ————————————————————————————————————————————————————————————————————————

// Summary is the rising/falling breakdown of the current snapshot.
type Summary struct {
	Total        int     `json:"total"`
	Rising       int     `json:"rising"`
	Falling      int     `json:"falling"`
	Unchanged    int     `json:"unchanged"`
	AvgChangePct float64 `json:"avg_change_percent"`
}

// MarketSummary computes the breadth summary over all instruments.
func (s *Store) MarketSummary(ctx context.Context) (Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN change_pct > 0 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN change_pct < 0 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN change_pct = 0 THEN 1 ELSE 0 END), 0),
		        COALESCE(AVG(change_pct), 0)
		 FROM stocks`)
	var sum Summary
	if err := row.Scan(&sum.Total, &sum.Rising, &sum.Falling, &sum.Unchanged, &sum.AvgChangePct); err != nil {
		return Summary{}, fmt.Errorf("market summary: %w", err)
	}
	return sum, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
