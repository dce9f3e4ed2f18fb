package archive

import (
	"testing"
	"time"

	"p2pgo/internal/channel"
	"p2pgo/internal/crypto"
	"p2pgo/internal/game"
	"p2pgo/internal/ledger"
)

func TestRecordAndReadGame(t *testing.T) {
	a, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new archiver: %v", err)
	}

	events := []channel.Event{
		{Type: channel.EventMoveApplied, GameID: "g1", Sequence: 1,
			Move: game.Move{Kind: game.MovePlace, X: 4, Y: 4, Color: game.Black}, At: time.Now()},
		{Type: channel.EventSyncStarted, GameID: "g1", Sequence: 1, At: time.Now()},
		{Type: channel.EventGameEnded, GameID: "g1", Sequence: 2, Detail: "two passes", At: time.Now()},
	}
	for _, ev := range events {
		if err := a.RecordEvent(ev); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	recs, err := a.ReadGame("g1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[0].Kind != "move_applied" || recs[0].Move == "" {
		t.Fatalf("move record malformed: %+v", recs[0])
	}
	if recs[2].Detail != "two passes" {
		t.Fatalf("detail lost: %+v", recs[2])
	}
}

func TestRecordEventRequiresGameID(t *testing.T) {
	a, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new archiver: %v", err)
	}
	if err := a.RecordEvent(channel.Event{Type: channel.EventMoveApplied}); err == nil {
		t.Fatalf("expected rejection without game id")
	}
}

func TestFinalizeRewritesFromLedger(t *testing.T) {
	a, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new archiver: %v", err)
	}
	pub, priv, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("gen keypair: %v", err)
	}

	l := ledger.New("g1", pub)
	colors := []game.Color{game.Black, game.White}
	for i := 0; i < 3; i++ {
		mv := game.Move{Kind: game.MovePlace, X: uint8(i), Y: 0, Color: colors[i%2]}
		sm, err := ledger.NewSignedMove(priv, pub, mv, l.HeadSequence()+1, l.Head(), uint64(time.Now().Unix()))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		if err := l.Append(sm); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// Stale rows from before a fork resolution get replaced wholesale.
	if err := a.RecordEvent(channel.Event{Type: channel.EventMoveApplied, GameID: "g1", Sequence: 99, At: time.Now()}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := a.FinalizeGame(l, "resigned"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	recs, err := a.ReadGame("g1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected journal rewritten to 3 moves, got %d", len(recs))
	}
	for i, rec := range recs {
		if rec.Sequence != uint64(i)+1 {
			t.Fatalf("record %d carries seq %d", i, rec.Sequence)
		}
	}

	results, err := a.ListResults()
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if len(results) != 1 || results[0].Moves != 3 || results[0].Detail != "resigned" {
		t.Fatalf("unexpected results %+v", results)
	}
}
