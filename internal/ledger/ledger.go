// internal/ledger/ledger.go
package ledger

import (
	"errors"
	"fmt"
	"sync"

	"p2pgo/internal/crypto"
)

var (
	// ErrSequenceGap means the candidate is ahead of our head. Not a
	// rejection: the caller should start a sync instead.
	ErrSequenceGap = errors.New("sequence gap")
	// ErrHashMismatch means the candidate is behind the head or links to a
	// different chain. Possible fork.
	ErrHashMismatch = errors.New("hash mismatch")
	ErrBadSignature = errors.New("bad signature")
	ErrUnknownSigner = errors.New("unknown signer")
)

// Ledger is the append-only hash chain for one game. Owned by exactly one
// GameChannel; Append is the only mutator in normal operation, ResetTo
// exists solely for fork reconciliation and revalidates the whole
// replacement chain before swapping.
type Ledger struct {
	mu      sync.RWMutex
	gameID  string
	genesis [32]byte
	moves   []SignedMove
	head    [32]byte
	signers map[[32]byte][]byte
}

func New(gameID string, participants ...[]byte) *Ledger {
	l := &Ledger{
		gameID:  gameID,
		genesis: GenesisHash(gameID),
		signers: make(map[[32]byte][]byte),
	}
	l.head = l.genesis
	for _, pub := range participants {
		l.addSignerLocked(pub)
	}
	return l
}

func (l *Ledger) addSignerLocked(pub []byte) {
	if !crypto.IsPublicKey(pub) {
		return
	}
	cp := make([]byte, len(pub))
	copy(cp, pub)
	l.signers[crypto.DerivePlayerID(pub)] = cp
}

// AddParticipant registers a public key as a recognized signer. Join flow
// only; moves from unregistered keys are rejected.
func (l *Ledger) AddParticipant(pub []byte) error {
	if !crypto.IsPublicKey(pub) {
		return fmt.Errorf("bad participant key size %d", len(pub))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addSignerLocked(pub)
	return nil
}

func (l *Ledger) HasParticipant(pub []byte) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.signers[crypto.DerivePlayerID(pub)]
	return ok
}

func (l *Ledger) ParticipantCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.signers)
}

func (l *Ledger) GameID() string {
	return l.gameID
}

func (l *Ledger) Genesis() [32]byte {
	return l.genesis
}

func (l *Ledger) Head() [32]byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// HeadSequence is 0 for an empty chain; the first move carries sequence 1.
func (l *Ledger) HeadSequence() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.moves))
}

func (l *Ledger) MoveCount() uint64 {
	return l.HeadSequence()
}

// Moves returns a copy; the internal slice never escapes.
func (l *Ledger) Moves() []SignedMove {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]SignedMove, len(l.moves))
	copy(out, l.moves)
	return out
}

// MovesAfter returns all moves with sequence > afterSeq.
func (l *Ledger) MovesAfter(afterSeq uint64) []SignedMove {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if afterSeq >= uint64(len(l.moves)) {
		return nil
	}
	out := make([]SignedMove, uint64(len(l.moves))-afterSeq)
	copy(out, l.moves[afterSeq:])
	return out
}

// Append validates and appends the next link. Check order: sequence,
// previous hash, signature, signer membership. Re-delivery of a move
// already on the chain is a no-op.
func (l *Ledger) Append(candidate SignedMove) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	headSeq := uint64(len(l.moves))
	switch {
	case candidate.Sequence == 0:
		return fmt.Errorf("%w: sequence 0 is reserved for genesis", ErrHashMismatch)
	case candidate.Sequence > headSeq+1:
		return fmt.Errorf("%w: candidate seq %d, head seq %d", ErrSequenceGap, candidate.Sequence, headSeq)
	case candidate.Sequence <= headSeq:
		// Behind the head: either a stale duplicate (no-op) or a fork.
		stored := l.moves[candidate.Sequence-1]
		if stored.Hash() == candidate.Hash() {
			return nil
		}
		return fmt.Errorf("%w: candidate seq %d diverges from chain", ErrHashMismatch, candidate.Sequence)
	}

	if candidate.PrevHash != l.head {
		return fmt.Errorf("%w: candidate prev does not link to head", ErrHashMismatch)
	}
	if !candidate.Verify() {
		return ErrBadSignature
	}
	if _, ok := l.signers[crypto.DerivePlayerID(candidate.SignerPub)]; !ok {
		return ErrUnknownSigner
	}

	l.moves = append(l.moves, candidate)
	l.head = candidate.Hash()
	return nil
}

// VerifyChain walks a standalone move list: genesis anchoring, hash links,
// sequence numbering and signatures. Signer membership is the caller's
// check since a bare list carries no roster.
func VerifyChain(gameID string, moves []SignedMove) error {
	prev := GenesisHash(gameID)
	for i, m := range moves {
		if m.Sequence != uint64(i)+1 {
			return fmt.Errorf("%w: move %d carries seq %d", ErrHashMismatch, i, m.Sequence)
		}
		if m.PrevHash != prev {
			return fmt.Errorf("%w: broken link at seq %d", ErrHashMismatch, m.Sequence)
		}
		if !m.Verify() {
			return fmt.Errorf("%w: seq %d", ErrBadSignature, m.Sequence)
		}
		prev = m.Hash()
	}
	return nil
}

// ResetTo swaps the chain for a fully validated replacement. Fork
// reconciliation only: the replacement must verify end to end and every
// signer must be a recognized participant, otherwise the ledger is
// untouched.
func (l *Ledger) ResetTo(moves []SignedMove) error {
	if err := VerifyChain(l.gameID, moves); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range moves {
		if _, ok := l.signers[crypto.DerivePlayerID(m.SignerPub)]; !ok {
			return fmt.Errorf("%w: seq %d", ErrUnknownSigner, m.Sequence)
		}
	}
	l.moves = make([]SignedMove, len(moves))
	copy(l.moves, moves)
	l.head = l.genesis
	if len(l.moves) > 0 {
		l.head = l.moves[len(l.moves)-1].Hash()
	}
	return nil
}
