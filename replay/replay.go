/*
Package replay records matches to a SQLite file and plays them back.

A Recorder is fed from the host's request loop: every confirmed frame's
inputs and every confirmed-state checksum go into the database. The
resulting file is enough to re-run the whole match through a
deterministic simulation offline, which turns a DesyncDetected event in
production into a reproducible bug report.
*/
package replay

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/undolag/rewind"
)

const schema = `
CREATE TABLE IF NOT EXISTS match_info (
	id          TEXT NOT NULL,
	players     INTEGER NOT NULL,
	input_size  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS inputs (
	frame   INTEGER NOT NULL,
	handle  INTEGER NOT NULL,
	bits    BLOB NOT NULL,
	PRIMARY KEY (frame, handle)
);
CREATE TABLE IF NOT EXISTS checksums (
	frame    INTEGER PRIMARY KEY,
	checksum INTEGER NOT NULL
);
`

// A Recorder appends one match to a SQLite file.
type Recorder[I rewind.Input[I]] struct {
	db         *sql.DB
	numPlayers int
	inputSize  int
}

// Create opens (creating if needed) a replay file for one match.
func Create[I rewind.Input[I]](path, matchID string, numPlayers int) (*Recorder[I], error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	var zero I
	size := zero.Size()
	if _, err := db.Exec(`INSERT INTO match_info (id, players, input_size) VALUES (?, ?, ?)`,
		matchID, numPlayers, size); err != nil {
		db.Close()
		return nil, err
	}

	return &Recorder[I]{db: db, numPlayers: numPlayers, inputSize: size}, nil
}

// RecordFrame stores every player's input for one frame. Last write wins:
// feed it from the request loop and rollback re-simulations overwrite the
// speculated rows they correct.
func (r *Recorder[I]) RecordFrame(frame rewind.Frame, inputs []rewind.SyncInput[I]) error {
	if len(inputs) != r.numPlayers {
		return fmt.Errorf("can't record frame %d: %d inputs, want %d", frame, len(inputs), r.numPlayers)
	}
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	for h, in := range inputs {
		bits := in.Input.Serialize(make([]byte, 0, r.inputSize))
		if _, err := tx.Exec(`INSERT OR REPLACE INTO inputs (frame, handle, bits) VALUES (?, ?, ?)`,
			int64(frame), h, bits); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// RecordChecksum stores the confirmed-state checksum for a frame.
func (r *Recorder[I]) RecordChecksum(frame rewind.Frame, checksum uint64) error {
	_, err := r.db.Exec(`INSERT OR REPLACE INTO checksums (frame, checksum) VALUES (?, ?)`,
		int64(frame), int64(checksum))
	return err
}

func (r *Recorder[I]) Close() error { return r.db.Close() }

// A Replay reads a recorded match back.
type Replay[I rewind.Input[I]] struct {
	db         *sql.DB
	ID         string
	NumPlayers int
}

// Open loads a replay file.
func Open[I rewind.Input[I]](path string) (*Replay[I], error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	rp := &Replay[I]{db: db}
	row := db.QueryRow(`SELECT id, players, input_size FROM match_info LIMIT 1`)
	var size int
	if err := row.Scan(&rp.ID, &rp.NumPlayers, &size); err != nil {
		db.Close()
		return nil, fmt.Errorf("can't read match info: %w", err)
	}
	var zero I
	if size != zero.Size() {
		db.Close()
		return nil, fmt.Errorf("replay input size %d doesn't match type size %d", size, zero.Size())
	}
	return rp, nil
}

// LastFrame returns the highest recorded frame, or rewind.NullFrame for
// an empty replay.
func (r *Replay[I]) LastFrame() (rewind.Frame, error) {
	row := r.db.QueryRow(`SELECT COALESCE(MAX(frame), -1) FROM inputs`)
	var f int64
	if err := row.Scan(&f); err != nil {
		return rewind.NullFrame, err
	}
	return rewind.Frame(f), nil
}

// Frame returns every player's input for one frame, ordered by handle.
func (r *Replay[I]) Frame(frame rewind.Frame) ([]I, error) {
	rows, err := r.db.Query(`SELECT handle, bits FROM inputs WHERE frame = ? ORDER BY handle`, int64(frame))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	inputs := make([]I, r.NumPlayers)
	found := 0
	for rows.Next() {
		var handle int
		var bits []byte
		if err := rows.Scan(&handle, &bits); err != nil {
			return nil, err
		}
		if handle < 0 || handle >= r.NumPlayers {
			return nil, fmt.Errorf("frame %d has input for handle %d, want 0..%d", frame, handle, r.NumPlayers-1)
		}
		var zero I
		in, err := zero.Deserialize(bits)
		if err != nil {
			return nil, fmt.Errorf("frame %d handle %d: %w", frame, handle, err)
		}
		inputs[handle] = in
		found++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if found != r.NumPlayers {
		return nil, fmt.Errorf("frame %d has %d inputs, want %d", frame, found, r.NumPlayers)
	}
	return inputs, nil
}

// Checksum returns the recorded checksum for a frame, if any.
func (r *Replay[I]) Checksum(frame rewind.Frame) (uint64, bool, error) {
	row := r.db.QueryRow(`SELECT checksum FROM checksums WHERE frame = ?`, int64(frame))
	var sum int64
	switch err := row.Scan(&sum); err {
	case nil:
		return uint64(sum), true, nil
	case sql.ErrNoRows:
		return 0, false, nil
	default:
		return 0, false, err
	}
}

func (r *Replay[I]) Close() error { return r.db.Close() }
