// Package ledger keeps a sqlite record of every sweep and the frames
// persisted for stitching.
package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/cjeanneret/RangePano/internal/codec"
	"github.com/cjeanneret/RangePano/internal/debug"
	"github.com/cjeanneret/RangePano/internal/device"
)

// Sweep outcomes.
const (
	OutcomeOpen      = "open"
	OutcomeEmpty     = "empty"
	OutcomeStitching = "stitching"
	OutcomeDone      = "done"
	OutcomeFailed    = "failed"
)

const schema = `
CREATE TABLE IF NOT EXISTS sweeps (
	id          TEXT PRIMARY KEY,
	opened_at   INTEGER NOT NULL,
	sealed_at   INTEGER,
	frame_count INTEGER NOT NULL DEFAULT 0,
	outcome     TEXT NOT NULL,
	mosaic_id   TEXT,
	error       TEXT
);
CREATE INDEX IF NOT EXISTS sweeps_opened ON sweeps(opened_at);
CREATE TABLE IF NOT EXISTS frames (
	sweep_id    TEXT NOT NULL,
	idx         INTEGER NOT NULL,
	captured_at INTEGER NOT NULL,
	path        TEXT NOT NULL,
	size        INTEGER NOT NULL,
	digest      TEXT NOT NULL,
	azimuth_deg REAL,
	state       BLOB,
	PRIMARY KEY (sweep_id, idx)
);
`

// Sweep is one row of the sweeps table. Times are stored with
// millisecond precision.
type Sweep struct {
	ID         string    `json:"id"`
	OpenedAt   time.Time `json:"opened_at"`
	SealedAt   time.Time `json:"sealed_at,omitzero"`
	FrameCount int       `json:"frame_count"`
	Outcome    string    `json:"outcome"`
	MosaicID   string    `json:"mosaic_id,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Frame is one persisted frame.
type Frame struct {
	Index      int
	CapturedAt time.Time
	Path       string
	Size       int
	Digest     string
	AzimuthDeg *float64 // nil when the encoder range was unknown
	State      device.Status
}

// stateSnapshot is the CBOR form of the state a frame was captured in.
type stateSnapshot struct {
	IsBusy         bool `cbor:"busy"`
	HasHomed       bool `cbor:"homed"`
	AtHomePosition bool `cbor:"at_home"`
	Position       int  `cbor:"position"`
	MaxPosition    int  `cbor:"max_position"`
}

// Digest returns the hex BLAKE3 hash of a frame.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Ledger is safe for concurrent use.
type Ledger struct {
	pool *sqlitex.Pool
	path string
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Ledger, error) {
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: 2,
		PrepareConn: func(conn *sqlite.Conn) error {
			for _, pragma := range []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA busy_timeout=5000",
			} {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("%s: %w", pragma, err)
				}
			}
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	debug.Info("ledger opened", "path", path)
	return &Ledger{pool: pool, path: path}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	if err := l.pool.Close(); err != nil {
		return fmt.Errorf("ledger: close %s: %w", l.path, err)
	}
	return nil
}

func millis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// SaveSweep inserts or replaces the row for s.ID.
func (l *Ledger) SaveSweep(ctx context.Context, s Sweep) error {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("ledger: save sweep: %w", err)
	}
	defer l.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO sweeps
		(id, opened_at, sealed_at, frame_count, outcome, mosaic_id, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sealed_at = excluded.sealed_at,
			frame_count = excluded.frame_count,
			outcome = excluded.outcome,
			mosaic_id = excluded.mosaic_id,
			error = excluded.error`,
		&sqlitex.ExecOptions{Args: []any{
			s.ID, s.OpenedAt.UnixMilli(), millis(s.SealedAt), s.FrameCount,
			s.Outcome, nullable(s.MosaicID), nullable(s.Error),
		}})
	if err != nil {
		return fmt.Errorf("ledger: save sweep %s: %w", s.ID, err)
	}
	return nil
}

// SaveFrames records the frames of a sweep in one transaction.
func (l *Ledger) SaveFrames(ctx context.Context, sweepID string, frames []Frame) (err error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("ledger: save frames: %w", err)
	}
	defer l.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("ledger: begin transaction: %w", err)
	}
	defer endTx(&err)

	for _, f := range frames {
		state, err := codec.Marshal(stateSnapshot{
			IsBusy:         f.State.IsBusy,
			HasHomed:       f.State.HasHomed,
			AtHomePosition: f.State.AtHomePosition,
			Position:       f.State.CurrentSetPosition,
			MaxPosition:    f.State.MaxPositionInEncoderSteps,
		})
		if err != nil {
			return fmt.Errorf("ledger: encode state of frame %d: %w", f.Index, err)
		}
		var azimuth any
		if f.AzimuthDeg != nil {
			azimuth = *f.AzimuthDeg
		}
		err = sqlitex.Execute(conn, `INSERT OR REPLACE INTO frames
			(sweep_id, idx, captured_at, path, size, digest, azimuth_deg, state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				sweepID, f.Index, f.CapturedAt.UnixMilli(), f.Path, f.Size, f.Digest, azimuth, state,
			}})
		if err != nil {
			return fmt.Errorf("ledger: insert frame %d of %s: %w", f.Index, sweepID, err)
		}
	}
	return nil
}

// RecentSweeps returns up to limit sweeps, newest first.
func (l *Ledger) RecentSweeps(ctx context.Context, limit int) ([]Sweep, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: recent sweeps: %w", err)
	}
	defer l.pool.Put(conn)

	var out []Sweep
	err = sqlitex.Execute(conn, `SELECT id, opened_at, sealed_at, frame_count, outcome, mosaic_id, error
		FROM sweeps ORDER BY opened_at DESC, id LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				s := Sweep{
					ID:         stmt.ColumnText(0),
					OpenedAt:   time.UnixMilli(stmt.ColumnInt64(1)),
					FrameCount: stmt.ColumnInt(3),
					Outcome:    stmt.ColumnText(4),
					MosaicID:   stmt.ColumnText(5),
					Error:      stmt.ColumnText(6),
				}
				if !stmt.ColumnIsNull(2) {
					s.SealedAt = time.UnixMilli(stmt.ColumnInt64(2))
				}
				out = append(out, s)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("ledger: recent sweeps: %w", err)
	}
	return out, nil
}

// Frames returns the frames recorded for a sweep in index order.
func (l *Ledger) Frames(ctx context.Context, sweepID string) ([]Frame, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: frames: %w", err)
	}
	defer l.pool.Put(conn)

	var out []Frame
	err = sqlitex.Execute(conn, `SELECT idx, captured_at, path, size, digest, azimuth_deg, state
		FROM frames WHERE sweep_id = ? ORDER BY idx`,
		&sqlitex.ExecOptions{
			Args: []any{sweepID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				f := Frame{
					Index:      stmt.ColumnInt(0),
					CapturedAt: time.UnixMilli(stmt.ColumnInt64(1)),
					Path:       stmt.ColumnText(2),
					Size:       stmt.ColumnInt(3),
					Digest:     stmt.ColumnText(4),
				}
				if !stmt.ColumnIsNull(5) {
					az := stmt.ColumnFloat(5)
					f.AzimuthDeg = &az
				}
				if !stmt.ColumnIsNull(6) {
					blob := make([]byte, stmt.ColumnLen(6))
					stmt.ColumnBytes(6, blob)
					var snap stateSnapshot
					if err := codec.Unmarshal(blob, &snap); err != nil {
						return fmt.Errorf("decode state of frame %d: %w", f.Index, err)
					}
					f.State = device.Status{
						Message:                   "state",
						IsBusy:                    snap.IsBusy,
						HasHomed:                  snap.HasHomed,
						AtHomePosition:            snap.AtHomePosition,
						CurrentSetPosition:        snap.Position,
						MaxPositionInEncoderSteps: snap.MaxPosition,
					}
				}
				out = append(out, f)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("ledger: frames of %s: %w", sweepID, err)
	}
	return out, nil
}
