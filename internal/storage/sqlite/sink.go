// Package sqlite 把分钟统计、成交与事件写入本地 SQLite（只写，供离线分析）。
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/betbot/perpmm/internal/exchange"
	"github.com/betbot/perpmm/internal/perf"
)

// Sink 实现 engine.Sink
type Sink struct {
	db *sql.DB
}

// Open 打开（必要时创建）数据库并建表
func Open(path string) (*Sink, error) {
	if path == "" {
		return nil, errors.New("db path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	s := &Sink{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Sink) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS minute_metrics (
  bot TEXT NOT NULL,
  instrument TEXT NOT NULL,
  minute TEXT NOT NULL,
  maker_fills INTEGER NOT NULL,
  taker_fills INTEGER NOT NULL,
  realized_pnl TEXT NOT NULL,
  net_fees TEXT NOT NULL,
  volume TEXT NOT NULL,
  PRIMARY KEY (bot, instrument, minute)
);`,
		`
CREATE TABLE IF NOT EXISTS fills (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  instrument TEXT NOT NULL,
  side TEXT NOT NULL,
  price TEXT NOT NULL,
  size TEXT NOT NULL,
  maker INTEGER NOT NULL,
  fee TEXT NOT NULL,
  realized TEXT NOT NULL,
  order_id INTEGER NOT NULL,
  trade_id INTEGER NOT NULL,
  ts TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_fills_instrument_ts ON fills(instrument, ts DESC);`,
		`
CREATE TABLE IF NOT EXISTS events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  bot TEXT NOT NULL,
  instrument TEXT,
  kind TEXT NOT NULL,
  detail TEXT NOT NULL,
  ts TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind_ts ON events(kind, ts DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// SaveMinutes 同一分钟重复写入时覆盖
func (s *Sink) SaveMinutes(ctx context.Context, bot string, minutes []perf.MinuteMetrics) error {
	if len(minutes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO minute_metrics (bot, instrument, minute, maker_fills, taker_fills, realized_pnl, net_fees, volume)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(bot, instrument, minute) DO UPDATE SET
  maker_fills=excluded.maker_fills,
  taker_fills=excluded.taker_fills,
  realized_pnl=excluded.realized_pnl,
  net_fees=excluded.net_fees,
  volume=excluded.volume
`)
	if err != nil {
		return fmt.Errorf("prepare minute: %w", err)
	}
	defer stmt.Close()

	for _, m := range minutes {
		_, err := stmt.ExecContext(ctx, bot, m.Instrument, m.Minute.UTC().Format(time.RFC3339),
			m.MakerFills, m.TakerFills, m.RealizedPnL.String(), m.NetFees.String(), m.Volume.String())
		if err != nil {
			return fmt.Errorf("insert minute: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Sink) SaveFill(ctx context.Context, f exchange.Fill, realized decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO fills (instrument, side, price, size, maker, fee, realized, order_id, trade_id, ts)
VALUES (?,?,?,?,?,?,?,?,?,?)
`, f.Instrument, string(f.Side), f.Price.String(), f.Size.String(), boolInt(f.Maker), f.Fee.String(),
		realized.String(), f.OrderID, f.TradeID, f.Time.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}
	return nil
}

func (s *Sink) SaveEvent(ctx context.Context, ev perf.Event) error {
	var inst sql.NullString
	if ev.Instrument != "" {
		inst = sql.NullString{String: ev.Instrument, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO events (bot, instrument, kind, detail, ts)
VALUES (?,?,?,?,?)
`, ev.Bot, inst, string(ev.Kind), ev.Detail, ev.Time.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Minutes 按分钟升序读取，供测试与离线工具使用
func (s *Sink) Minutes(ctx context.Context, bot, instrument string) ([]perf.MinuteMetrics, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT instrument, minute, maker_fills, taker_fills, realized_pnl, net_fees, volume
FROM minute_metrics
WHERE bot=? AND instrument=?
ORDER BY minute ASC
`, bot, instrument)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []perf.MinuteMetrics
	for rows.Next() {
		var (
			m                      perf.MinuteMetrics
			minute                 string
			realized, fees, volume string
		)
		if err := rows.Scan(&m.Instrument, &minute, &m.MakerFills, &m.TakerFills, &realized, &fees, &volume); err != nil {
			return nil, err
		}
		if m.Minute, err = time.Parse(time.RFC3339, minute); err != nil {
			return nil, fmt.Errorf("parse minute %q: %w", minute, err)
		}
		if m.RealizedPnL, err = decimal.NewFromString(realized); err != nil {
			return nil, err
		}
		if m.NetFees, err = decimal.NewFromString(fees); err != nil {
			return nil, err
		}
		if m.Volume, err = decimal.NewFromString(volume); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FillRecord 已落盘的成交
type FillRecord struct {
	Fill     exchange.Fill
	Realized decimal.Decimal
}

func (s *Sink) Fills(ctx context.Context, instrument string, limit int) ([]FillRecord, error) {
	if limit <= 0 || limit > 2000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT instrument, side, price, size, maker, fee, realized, order_id, trade_id, ts
FROM fills
WHERE instrument=?
ORDER BY id DESC
LIMIT ?
`, instrument, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FillRecord
	for rows.Next() {
		var (
			r                                    FillRecord
			side, price, size, fee, realized, ts string
			maker                                int
		)
		if err := rows.Scan(&r.Fill.Instrument, &side, &price, &size, &maker, &fee, &realized,
			&r.Fill.OrderID, &r.Fill.TradeID, &ts); err != nil {
			return nil, err
		}
		r.Fill.Side = exchange.Side(side)
		r.Fill.Maker = maker != 0
		if r.Fill.Price, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		if r.Fill.Size, err = decimal.NewFromString(size); err != nil {
			return nil, err
		}
		if r.Fill.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, err
		}
		if r.Realized, err = decimal.NewFromString(realized); err != nil {
			return nil, err
		}
		if r.Fill.Time, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Sink) Events(ctx context.Context, kind perf.EventKind, limit int) ([]perf.Event, error) {
	if limit <= 0 || limit > 2000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT bot, instrument, kind, detail, ts
FROM events
WHERE kind=?
ORDER BY id DESC
LIMIT ?
`, string(kind), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []perf.Event
	for rows.Next() {
		var (
			ev    perf.Event
			inst  sql.NullString
			k, ts string
		)
		if err := rows.Scan(&ev.Bot, &inst, &k, &ev.Detail, &ts); err != nil {
			return nil, err
		}
		ev.Instrument = inst.String
		ev.Kind = perf.EventKind(k)
		if ev.Time, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
