// internal/game/game.go
package game

import (
	"errors"
	"fmt"

	"p2pgo/internal/crypto"
)

// The board-rules engine is a collaborator of the sync layer, not part of it.
// Everything here is pure: Apply never mutates its input state.

type Color uint8

const (
	Empty Color = 0
	Black Color = 1
	White Color = 2
)

func (c Color) String() string {
	switch c {
	case Black:
		return "black"
	case White:
		return "white"
	default:
		return "empty"
	}
}

func (c Color) Opponent() Color {
	switch c {
	case Black:
		return White
	case White:
		return Black
	default:
		return Empty
	}
}

type MoveKind uint8

const (
	MovePlace MoveKind = iota
	MovePass
	MoveResign
)

type Move struct {
	Kind  MoveKind `codec:"kind" json:"kind"`
	X     uint8    `codec:"x" json:"x"`
	Y     uint8    `codec:"y" json:"y"`
	Color Color    `codec:"color" json:"color"`
}

func (m Move) String() string {
	switch m.Kind {
	case MovePass:
		return fmt.Sprintf("%s pass", m.Color)
	case MoveResign:
		return fmt.Sprintf("%s resign", m.Color)
	default:
		return fmt.Sprintf("%s (%d,%d)", m.Color, m.X, m.Y)
	}
}

// EncodeBytes is the canonical byte form used for hashing and signing.
// Layout: kind, x, y, color.
func (m Move) EncodeBytes() []byte {
	return []byte{byte(m.Kind), m.X, m.Y, byte(m.Color)}
}

type State struct {
	Size     uint8   `codec:"size" json:"size"`
	Board    []Color `codec:"board" json:"board"`
	ToMove   Color   `codec:"to_move" json:"to_move"`
	Moves    uint32  `codec:"moves" json:"moves"`
	Passes   uint8   `codec:"passes" json:"passes"`
	Over     bool    `codec:"over" json:"over"`
	Resigned Color   `codec:"resigned,omitempty" json:"resigned,omitempty"`
}

func NewState(size uint8) State {
	return State{
		Size:   size,
		Board:  make([]Color, int(size)*int(size)),
		ToMove: Black,
	}
}

// Clone deep-copies the board so callers can hold a state across later
// Apply calls.
func (s State) Clone() State {
	out := s
	out.Board = make([]Color, len(s.Board))
	copy(out.Board, s.Board)
	return out
}

func (s State) At(x, y uint8) Color {
	return s.Board[int(y)*int(s.Size)+int(x)]
}

// Hash is the deterministic digest of a board state, used for snapshot
// comparison during sync. Layout mirrors EncodeBytes: fixed header then the
// raw board cells.
func (s State) Hash() [32]byte {
	buf := make([]byte, 0, 8+len(s.Board))
	buf = append(buf, s.Size, byte(s.ToMove), s.Passes, byte(s.Resigned))
	if s.Over {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, byte(s.Moves>>24), byte(s.Moves>>16), byte(s.Moves>>8), byte(s.Moves))
	for _, c := range s.Board {
		buf = append(buf, byte(c))
	}
	return crypto.Sum256(buf)
}

var ErrIllegalMove = errors.New("illegal move")

// Engine validates and applies moves. Implementations must be pure
// functions of (state, move).
type Engine interface {
	Apply(s State, m Move) (State, error)
}

// Rules is the minimal placement validator: bounds, occupancy, turn order,
// pass/resign handling, and a hard per-game move cap. Captures, ko and
// scoring are a separate engine's concern.
type Rules struct {
	MaxMoves uint32
}

const DefaultMaxMoves = 500

func NewRules() Rules {
	return Rules{MaxMoves: DefaultMaxMoves}
}

func (r Rules) Apply(s State, m Move) (State, error) {
	if s.Over {
		return State{}, fmt.Errorf("%w: game over", ErrIllegalMove)
	}
	if m.Color != s.ToMove {
		return State{}, fmt.Errorf("%w: not %s's turn", ErrIllegalMove, m.Color)
	}
	max := r.MaxMoves
	if max == 0 {
		max = DefaultMaxMoves
	}
	if s.Moves >= max {
		return State{}, fmt.Errorf("%w: move cap reached", ErrIllegalMove)
	}

	out := s.Clone()
	out.Moves++
	out.ToMove = m.Color.Opponent()

	switch m.Kind {
	case MovePass:
		out.Passes++
		if out.Passes >= 2 {
			out.Over = true
		}
		return out, nil
	case MoveResign:
		out.Over = true
		out.Resigned = m.Color
		return out, nil
	case MovePlace:
		if m.X >= s.Size || m.Y >= s.Size {
			return State{}, fmt.Errorf("%w: (%d,%d) off board", ErrIllegalMove, m.X, m.Y)
		}
		if s.At(m.X, m.Y) != Empty {
			return State{}, fmt.Errorf("%w: (%d,%d) occupied", ErrIllegalMove, m.X, m.Y)
		}
		out.Passes = 0
		out.Board[int(m.Y)*int(s.Size)+int(m.X)] = m.Color
		return out, nil
	default:
		return State{}, fmt.Errorf("%w: unknown move kind %d", ErrIllegalMove, m.Kind)
	}
}

// Replay re-validates a full move list from an empty board. Used after fork
// reconciliation: a merged chain that fails replay is corrupt, not playable.
func Replay(e Engine, size uint8, moves []Move) (State, error) {
	s := NewState(size)
	for i, m := range moves {
		next, err := e.Apply(s, m)
		if err != nil {
			return State{}, fmt.Errorf("replay failed at move %d: %w", i, err)
		}
		s = next
	}
	return s, nil
}
