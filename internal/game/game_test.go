package game

import (
	"errors"
	"testing"
)

func TestApplyPlace(t *testing.T) {
	r := NewRules()
	s := NewState(9)
	next, err := r.Apply(s, Move{Kind: MovePlace, X: 4, Y: 4, Color: Black})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next.At(4, 4) != Black {
		t.Fatalf("expected black stone at (4,4)")
	}
	if next.ToMove != White {
		t.Fatalf("expected white to move")
	}
	if s.At(4, 4) != Empty {
		t.Fatalf("input state was mutated")
	}
}

func TestApplyRejectsWrongTurn(t *testing.T) {
	r := NewRules()
	s := NewState(9)
	if _, err := r.Apply(s, Move{Kind: MovePlace, X: 0, Y: 0, Color: White}); !errors.Is(err, ErrIllegalMove) {
		t.Fatalf("expected illegal move, got %v", err)
	}
}

func TestApplyRejectsOccupied(t *testing.T) {
	r := NewRules()
	s := NewState(9)
	s, err := r.Apply(s, Move{Kind: MovePlace, X: 2, Y: 2, Color: Black})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := r.Apply(s, Move{Kind: MovePlace, X: 2, Y: 2, Color: White}); !errors.Is(err, ErrIllegalMove) {
		t.Fatalf("expected occupied rejection, got %v", err)
	}
}

func TestApplyRejectsOffBoard(t *testing.T) {
	r := NewRules()
	s := NewState(9)
	if _, err := r.Apply(s, Move{Kind: MovePlace, X: 9, Y: 0, Color: Black}); !errors.Is(err, ErrIllegalMove) {
		t.Fatalf("expected off-board rejection, got %v", err)
	}
}

func TestDoublePassEndsGame(t *testing.T) {
	r := NewRules()
	s := NewState(9)
	s, err := r.Apply(s, Move{Kind: MovePass, Color: Black})
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	s, err = r.Apply(s, Move{Kind: MovePass, Color: White})
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if !s.Over {
		t.Fatalf("expected game over after two passes")
	}
	if _, err := r.Apply(s, Move{Kind: MovePlace, X: 0, Y: 0, Color: Black}); !errors.Is(err, ErrIllegalMove) {
		t.Fatalf("expected move after game over to fail")
	}
}

func TestResignEndsGame(t *testing.T) {
	r := NewRules()
	s := NewState(9)
	s, err := r.Apply(s, Move{Kind: MoveResign, Color: Black})
	if err != nil {
		t.Fatalf("resign: %v", err)
	}
	if !s.Over || s.Resigned != Black {
		t.Fatalf("expected black resignation recorded")
	}
}

func TestMoveCap(t *testing.T) {
	r := Rules{MaxMoves: 2}
	s := NewState(9)
	s, _ = r.Apply(s, Move{Kind: MovePlace, X: 0, Y: 0, Color: Black})
	s, _ = r.Apply(s, Move{Kind: MovePlace, X: 1, Y: 0, Color: White})
	if _, err := r.Apply(s, Move{Kind: MovePlace, X: 2, Y: 0, Color: Black}); !errors.Is(err, ErrIllegalMove) {
		t.Fatalf("expected move cap rejection, got %v", err)
	}
}

func TestStateHashChanges(t *testing.T) {
	r := NewRules()
	s := NewState(9)
	h1 := s.Hash()
	next, err := r.Apply(s, Move{Kind: MovePlace, X: 4, Y: 4, Color: Black})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	h2 := next.Hash()
	if h1 == h2 {
		t.Fatalf("expected hash to change after move")
	}
	if next.Hash() != h2 {
		t.Fatalf("expected hash to be deterministic")
	}
}

func TestReplay(t *testing.T) {
	r := NewRules()
	moves := []Move{
		{Kind: MovePlace, X: 0, Y: 0, Color: Black},
		{Kind: MovePlace, X: 1, Y: 1, Color: White},
		{Kind: MovePass, Color: Black},
	}
	s, err := Replay(r, 9, moves)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if s.Moves != 3 {
		t.Fatalf("expected 3 moves applied, got %d", s.Moves)
	}

	bad := append([]Move{}, moves...)
	bad[1].Color = Black
	if _, err := Replay(r, 9, bad); err == nil {
		t.Fatalf("expected replay of illegal sequence to fail")
	}
}
