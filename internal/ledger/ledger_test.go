package ledger

import (
	"errors"
	"testing"
	"time"

	"p2pgo/internal/crypto"
	"p2pgo/internal/game"
)

type signer struct {
	pub  []byte
	priv []byte
}

func newSigner(t *testing.T) signer {
	t.Helper()
	pub, priv, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("gen keypair: %v", err)
	}
	return signer{pub: pub, priv: priv}
}

func (s signer) move(t *testing.T, l *Ledger, mv game.Move) SignedMove {
	t.Helper()
	sm, err := NewSignedMove(s.priv, s.pub, mv, l.HeadSequence()+1, l.Head(), uint64(time.Now().Unix()))
	if err != nil {
		t.Fatalf("sign move: %v", err)
	}
	return sm
}

func TestAppendChain(t *testing.T) {
	black := newSigner(t)
	white := newSigner(t)
	l := New("g1", black.pub, white.pub)

	m1 := black.move(t, l, game.Move{Kind: game.MovePlace, X: 4, Y: 4, Color: game.Black})
	if err := l.Append(m1); err != nil {
		t.Fatalf("append m1: %v", err)
	}
	m2 := white.move(t, l, game.Move{Kind: game.MovePlace, X: 3, Y: 3, Color: game.White})
	if err := l.Append(m2); err != nil {
		t.Fatalf("append m2: %v", err)
	}
	if l.MoveCount() != 2 {
		t.Fatalf("expected 2 moves, got %d", l.MoveCount())
	}
	if l.Head() != m2.Hash() {
		t.Fatalf("head does not match last move hash")
	}
	if m1.PrevHash != GenesisHash("g1") {
		t.Fatalf("first move must link to genesis")
	}
}

func TestAppendDuplicateIsNoop(t *testing.T) {
	black := newSigner(t)
	l := New("g1", black.pub)
	m1 := black.move(t, l, game.Move{Kind: game.MovePlace, X: 0, Y: 0, Color: game.Black})
	if err := l.Append(m1); err != nil {
		t.Fatalf("append: %v", err)
	}
	head := l.Head()
	if err := l.Append(m1); err != nil {
		t.Fatalf("duplicate append should be a no-op, got %v", err)
	}
	if l.MoveCount() != 1 || l.Head() != head {
		t.Fatalf("duplicate append mutated the ledger")
	}
}

func TestAppendSequenceGap(t *testing.T) {
	black := newSigner(t)
	l := New("g1", black.pub)
	sm, err := NewSignedMove(black.priv, black.pub, game.Move{Kind: game.MovePass, Color: game.Black}, 3, l.Head(), 1)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := l.Append(sm); !errors.Is(err, ErrSequenceGap) {
		t.Fatalf("expected ErrSequenceGap, got %v", err)
	}
	if l.MoveCount() != 0 {
		t.Fatalf("gap append must not mutate")
	}
}

func TestAppendHashMismatch(t *testing.T) {
	black := newSigner(t)
	white := newSigner(t)
	l := New("g1", black.pub, white.pub)
	if err := l.Append(black.move(t, l, game.Move{Kind: game.MovePlace, X: 1, Y: 1, Color: game.Black})); err != nil {
		t.Fatalf("append: %v", err)
	}

	var wrongPrev [32]byte
	sm, err := NewSignedMove(white.priv, white.pub, game.Move{Kind: game.MovePass, Color: game.White}, 2, wrongPrev, 1)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := l.Append(sm); !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
}

func TestCompetingSameRoundMoveRejected(t *testing.T) {
	// Two signers build a move for the same round against the same head;
	// whichever lands second must be rejected, not merged.
	black := newSigner(t)
	white := newSigner(t)
	l := New("g1", black.pub, white.pub)

	a := black.move(t, l, game.Move{Kind: game.MovePlace, X: 4, Y: 4, Color: game.Black})
	b := white.move(t, l, game.Move{Kind: game.MovePlace, X: 5, Y: 5, Color: game.White})
	if err := l.Append(a); err != nil {
		t.Fatalf("append first: %v", err)
	}
	if err := l.Append(b); !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch for losing move, got %v", err)
	}
	if l.MoveCount() != 1 || l.Head() != a.Hash() {
		t.Fatalf("losing move mutated the chain")
	}
}

func TestAppendBadSignature(t *testing.T) {
	black := newSigner(t)
	l := New("g1", black.pub)
	sm := black.move(t, l, game.Move{Kind: game.MovePass, Color: game.Black})
	sm.Sig[0] ^= 0xff
	if err := l.Append(sm); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestAppendTamperedMove(t *testing.T) {
	black := newSigner(t)
	l := New("g1", black.pub)
	sm := black.move(t, l, game.Move{Kind: game.MovePlace, X: 1, Y: 1, Color: game.Black})
	sm.Move.X = 2
	if err := l.Append(sm); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected tampered move to fail signature, got %v", err)
	}
}

func TestAppendUnknownSigner(t *testing.T) {
	black := newSigner(t)
	stranger := newSigner(t)
	l := New("g1", black.pub)
	sm, err := NewSignedMove(stranger.priv, stranger.pub, game.Move{Kind: game.MovePass, Color: game.Black}, 1, l.Head(), 1)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := l.Append(sm); !errors.Is(err, ErrUnknownSigner) {
		t.Fatalf("expected ErrUnknownSigner, got %v", err)
	}
}

func TestVerifyChain(t *testing.T) {
	black := newSigner(t)
	white := newSigner(t)
	l := New("g1", black.pub, white.pub)
	if err := l.Append(black.move(t, l, game.Move{Kind: game.MovePlace, X: 0, Y: 0, Color: game.Black})); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Append(white.move(t, l, game.Move{Kind: game.MovePlace, X: 1, Y: 0, Color: game.White})); err != nil {
		t.Fatalf("append: %v", err)
	}

	moves := l.Moves()
	if err := VerifyChain("g1", moves); err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if err := VerifyChain("other-game", moves); !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("expected wrong game id to break genesis link, got %v", err)
	}
	moves[0].Timestamp++
	if err := VerifyChain("g1", moves); err == nil {
		t.Fatalf("expected tampered chain to fail")
	}
}

func TestResetTo(t *testing.T) {
	black := newSigner(t)
	white := newSigner(t)
	l := New("g1", black.pub, white.pub)
	if err := l.Append(black.move(t, l, game.Move{Kind: game.MovePlace, X: 0, Y: 0, Color: game.Black})); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Build the winning chain on a second ledger.
	w := New("g1", black.pub, white.pub)
	if err := w.Append(black.move(t, w, game.Move{Kind: game.MovePlace, X: 2, Y: 2, Color: game.Black})); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append(white.move(t, w, game.Move{Kind: game.MovePlace, X: 3, Y: 3, Color: game.White})); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := l.ResetTo(w.Moves()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if l.MoveCount() != 2 || l.Head() != w.Head() {
		t.Fatalf("reset did not adopt winner chain")
	}

	// A chain with an unrecognized signer must be rejected wholesale.
	stranger := newSigner(t)
	s := New("g1", stranger.pub)
	if err := s.Append(stranger.move(t, s, game.Move{Kind: game.MovePass, Color: game.Black})); err != nil {
		t.Fatalf("append: %v", err)
	}
	before := l.Head()
	if err := l.ResetTo(s.Moves()); !errors.Is(err, ErrUnknownSigner) {
		t.Fatalf("expected ErrUnknownSigner, got %v", err)
	}
	if l.Head() != before {
		t.Fatalf("failed reset mutated the ledger")
	}
}

func TestMovesAfter(t *testing.T) {
	black := newSigner(t)
	white := newSigner(t)
	l := New("g1", black.pub, white.pub)
	signers := []signer{black, white}
	colors := []game.Color{game.Black, game.White}
	for i := 0; i < 4; i++ {
		mv := game.Move{Kind: game.MovePlace, X: uint8(i), Y: 0, Color: colors[i%2]}
		if err := l.Append(signers[i%2].move(t, l, mv)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	tail := l.MovesAfter(2)
	if len(tail) != 2 || tail[0].Sequence != 3 || tail[1].Sequence != 4 {
		t.Fatalf("unexpected tail %v", tail)
	}
	if got := l.MovesAfter(10); got != nil {
		t.Fatalf("expected nil past head, got %v", got)
	}
}
