// internal/ledger/signed_move.go
package ledger

import (
	"encoding/binary"

	"p2pgo/internal/crypto"
	"p2pgo/internal/game"
)

const (
	moveHashLabel    = "p2pgo:move:v1"
	genesisHashLabel = "p2pgo:genesis:v1"
)

// SignedMove is one link of the hash chain. Immutable once created: the
// signature covers the chain hash, so any edit breaks both.
type SignedMove struct {
	Move      game.Move `codec:"move" json:"move"`
	Sequence  uint64    `codec:"seq" json:"seq"`
	PrevHash  [32]byte  `codec:"prev" json:"prev"`
	Timestamp uint64    `codec:"ts" json:"ts"`
	SignerPub []byte    `codec:"pub" json:"pub"`
	Sig       []byte    `codec:"sig" json:"sig"`
}

// hashInput builds the canonical preimage:
// label ‖ prev_hash ‖ sequence ‖ move ‖ timestamp ‖ signer_pubkey.
func (m SignedMove) hashInput() []byte {
	mv := m.Move.EncodeBytes()
	buf := make([]byte, 0, len(moveHashLabel)+32+8+len(mv)+8+len(m.SignerPub))
	buf = append(buf, []byte(moveHashLabel)...)
	buf = append(buf, m.PrevHash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, m.Sequence)
	buf = append(buf, mv...)
	buf = binary.BigEndian.AppendUint64(buf, m.Timestamp)
	buf = append(buf, m.SignerPub...)
	return buf
}

// Hash is the content address of the move; the next move's PrevHash must
// equal it.
func (m SignedMove) Hash() [32]byte {
	return crypto.Sum256(m.hashInput())
}

// Verify checks the signature over the chain hash under the claimed signer.
func (m SignedMove) Verify() bool {
	h := m.Hash()
	return crypto.VerifyDigest(m.SignerPub, h[:], m.Sig)
}

// NewSignedMove signs a move as the next link after prev.
func NewSignedMove(priv, pub []byte, mv game.Move, sequence uint64, prev [32]byte, ts uint64) (SignedMove, error) {
	sm := SignedMove{
		Move:      mv,
		Sequence:  sequence,
		PrevHash:  prev,
		Timestamp: ts,
		SignerPub: pub,
	}
	h := sm.Hash()
	sig, err := crypto.SignDigest(priv, h[:])
	if err != nil {
		return SignedMove{}, err
	}
	sm.Sig = sig
	return sm, nil
}

// GenesisHash anchors a chain to its game ID; the first move's PrevHash
// must equal it.
func GenesisHash(gameID string) [32]byte {
	buf := make([]byte, 0, len(genesisHashLabel)+len(gameID))
	buf = append(buf, []byte(genesisHashLabel)...)
	buf = append(buf, []byte(gameID)...)
	return crypto.Sum256(buf)
}
