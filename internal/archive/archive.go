// internal/archive/archive.go
package archive

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"p2pgo/internal/channel"
	"p2pgo/internal/ledger"
)

// The archiver is an event-stream consumer: it records applied moves and
// game outcomes as JSONL, one file per game plus a results index. It never
// feeds back into the sync layer; a missed event only leaves a gap in the
// journal, and FinalizeGame rewrites the journal from the ledger anyway.

type Record struct {
	At       time.Time `json:"at"`
	Kind     string    `json:"kind"`
	Sequence uint64    `json:"seq,omitempty"`
	Move     string    `json:"move,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

type GameResult struct {
	GameID     string    `json:"game_id"`
	FinishedAt time.Time `json:"finished_at"`
	Moves      uint64    `json:"moves"`
	HeadHash   string    `json:"head_hash"`
	Detail     string    `json:"detail,omitempty"`
}

type Archiver struct {
	dir string
}

func New(dir string) (*Archiver, error) {
	if dir == "" {
		return nil, fmt.Errorf("missing archive dir")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &Archiver{dir: dir}, nil
}

func (a *Archiver) gamePath(gameID string) string {
	return filepath.Join(a.dir, gameID+".jsonl")
}

func (a *Archiver) resultsPath() string {
	return filepath.Join(a.dir, "games.jsonl")
}

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

func appendRecord(path string, v any) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(v); err != nil {
		return err
	}
	return syncFile(f)
}

func (a *Archiver) RecordEvent(ev channel.Event) error {
	if ev.GameID == "" {
		return fmt.Errorf("event without game id")
	}
	rec := Record{
		At:       ev.At,
		Kind:     ev.Type.String(),
		Sequence: ev.Sequence,
		Detail:   ev.Detail,
	}
	if ev.Type == channel.EventMoveApplied {
		rec.Move = ev.Move.String()
	}
	return appendRecord(a.gamePath(ev.GameID), rec)
}

// FinalizeGame writes the results index entry and rewrites the game
// journal from the authoritative ledger, so a fork resolution that
// replaced history does not leave stale rows behind.
func (a *Archiver) FinalizeGame(l *ledger.Ledger, detail string) error {
	moves := l.Moves()
	head := l.Head()

	tmp := a.gamePath(l.GameID()) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, sm := range moves {
		rec := Record{
			At:       time.Unix(int64(sm.Timestamp), 0).UTC(),
			Kind:     "move",
			Sequence: sm.Sequence,
			Move:     sm.Move.String(),
		}
		if err := enc.Encode(rec); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := syncFile(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, a.gamePath(l.GameID())); err != nil {
		return err
	}

	return appendRecord(a.resultsPath(), GameResult{
		GameID:     l.GameID(),
		FinishedAt: time.Now().UTC(),
		Moves:      l.MoveCount(),
		HeadHash:   fmt.Sprintf("%x", head[:8]),
		Detail:     detail,
	})
}

// ReadGame loads a game journal. Malformed rows are skipped the same way a
// partially written tail would be after a crash.
func (a *Archiver) ReadGame(gameID string) ([]Record, error) {
	f, err := os.OpenFile(a.gamePath(gameID), os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return scanRecords[Record](f)
}

func (a *Archiver) ListResults() ([]GameResult, error) {
	f, err := os.OpenFile(a.resultsPath(), os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return scanRecords[GameResult](f)
}

func scanRecords[T any](r io.Reader) ([]T, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var out []T
	for sc.Scan() {
		var rec T
		if err := json.Unmarshal(sc.Bytes(), &rec); err == nil {
			out = append(out, rec)
		}
	}
	return out, sc.Err()
}
