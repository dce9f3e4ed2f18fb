// internal/proto/proto.go
package proto

import (
	"errors"
	"fmt"
	"time"

	"github.com/ugorji/go/codec"

	"p2pgo/internal/game"
	"p2pgo/internal/ledger"
)

// Wire format: a single tag byte followed by a CBOR body. One message per
// QUIC stream, length-framed on the wire (see frame.go).

const (
	TypeJoinRequest  byte = 0x01
	TypeJoinResponse byte = 0x02
	TypeMove         byte = 0x03
	TypeMoveAck      byte = 0x04
	TypeSyncRequest  byte = 0x05
	TypeSyncResponse byte = 0x06
	TypeHeartbeat    byte = 0x07
	TypeResign       byte = 0x08
)

func TypeName(t byte) string {
	switch t {
	case TypeJoinRequest:
		return "join_request"
	case TypeJoinResponse:
		return "join_response"
	case TypeMove:
		return "move"
	case TypeMoveAck:
		return "move_ack"
	case TypeSyncRequest:
		return "sync_request"
	case TypeSyncResponse:
		return "sync_response"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeResign:
		return "resign"
	default:
		return fmt.Sprintf("unknown(0x%02x)", t)
	}
}

const (
	MaxFrameSize     = 1 << 20
	SoftMaxFrameSize = 64 << 10
)

// MaxSizeForType bounds a full message (tag byte included) before the body
// is decoded. Sync and join responses carry whole move lists; everything
// else is small.
func MaxSizeForType(t byte) int {
	switch t {
	case TypeJoinResponse, TypeSyncResponse:
		return 512 << 10
	case TypeJoinRequest, TypeMove, TypeResign:
		return 4 << 10
	case TypeMoveAck, TypeSyncRequest:
		return 1 << 10
	case TypeHeartbeat:
		return 512
	default:
		return SoftMaxFrameSize
	}
}

type JoinRequest struct {
	GameID     string `codec:"game_id"`
	PlayerName string `codec:"player_name"`
	PlayerPub  []byte `codec:"player_pub"`
	Ticket     []byte `codec:"ticket,omitempty"`
	Timestamp  uint64 `codec:"ts"`
}

type JoinResponse struct {
	GameID        string              `codec:"game_id"`
	Accepted      bool                `codec:"accepted"`
	Reason        string              `codec:"reason,omitempty"`
	AssignedColor game.Color          `codec:"color,omitempty"`
	BoardSize     uint8               `codec:"board_size,omitempty"`
	HostPub       []byte              `codec:"host_pub,omitempty"`
	Moves         []ledger.SignedMove `codec:"moves,omitempty"`
	StateHash     [32]byte            `codec:"state_hash,omitempty"`
	Timestamp     uint64              `codec:"ts"`
}

type MoveMsg struct {
	GameID     string            `codec:"game_id"`
	SignedMove ledger.SignedMove `codec:"signed_move"`
}

type MoveAck struct {
	GameID    string   `codec:"game_id"`
	MoveHash  [32]byte `codec:"move_hash"`
	Sequence  uint64   `codec:"seq"`
	Timestamp uint64   `codec:"ts"`
}

type SyncRequest struct {
	GameID            string   `codec:"game_id"`
	LastKnownSequence uint64   `codec:"last_seq"`
	HeadHash          [32]byte `codec:"head_hash"`
	Timestamp         uint64   `codec:"ts"`
}

type SyncResponse struct {
	GameID    string              `codec:"game_id"`
	Moves     []ledger.SignedMove `codec:"moves,omitempty"`
	MoveCount uint64              `codec:"move_count"`
	HeadHash  [32]byte            `codec:"head_hash"`
	StateHash [32]byte            `codec:"state_hash"`
	Timestamp uint64              `codec:"ts"`
}

type Heartbeat struct {
	GameID    string `codec:"game_id"`
	Sequence  uint64 `codec:"seq,omitempty"`
	Timestamp uint64 `codec:"ts"`
}

// ResignMsg carries a signed resignation move so resigning stays on the
// chain like any other move.
type ResignMsg struct {
	GameID     string            `codec:"game_id"`
	SignedMove ledger.SignedMove `codec:"signed_move"`
}

var cborHandle codec.CborHandle

func Encode(t byte, v any) ([]byte, error) {
	// The encoder truncates its destination slice before writing, so the
	// tag is prepended after the body is built, never encoded into.
	var body []byte
	enc := codec.NewEncoderBytes(&body, &cborHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := append([]byte{t}, body...)
	if len(out) > MaxSizeForType(t) {
		return nil, fmt.Errorf("%s message too large: %d bytes", TypeName(t), len(out))
	}
	return out, nil
}

func MsgType(data []byte) (byte, error) {
	if len(data) < 2 {
		return 0, errors.New("message too short")
	}
	return data[0], nil
}

func decodeBody(t byte, data []byte, v any) error {
	if len(data) < 2 {
		return errors.New("message too short")
	}
	if data[0] != t {
		return fmt.Errorf("expected %s, got %s", TypeName(t), TypeName(data[0]))
	}
	if len(data) > MaxSizeForType(t) {
		return fmt.Errorf("%s message too large: %d bytes", TypeName(t), len(data))
	}
	dec := codec.NewDecoderBytes(data[1:], &cborHandle)
	return dec.Decode(v)
}

func EncodeJoinRequest(m JoinRequest) ([]byte, error) { return Encode(TypeJoinRequest, m) }
func DecodeJoinRequest(data []byte) (JoinRequest, error) {
	var m JoinRequest
	err := decodeBody(TypeJoinRequest, data, &m)
	return m, err
}

func EncodeJoinResponse(m JoinResponse) ([]byte, error) { return Encode(TypeJoinResponse, m) }
func DecodeJoinResponse(data []byte) (JoinResponse, error) {
	var m JoinResponse
	err := decodeBody(TypeJoinResponse, data, &m)
	return m, err
}

func EncodeMoveMsg(m MoveMsg) ([]byte, error) { return Encode(TypeMove, m) }
func DecodeMoveMsg(data []byte) (MoveMsg, error) {
	var m MoveMsg
	err := decodeBody(TypeMove, data, &m)
	return m, err
}

func EncodeMoveAck(m MoveAck) ([]byte, error) { return Encode(TypeMoveAck, m) }
func DecodeMoveAck(data []byte) (MoveAck, error) {
	var m MoveAck
	err := decodeBody(TypeMoveAck, data, &m)
	return m, err
}

func EncodeSyncRequest(m SyncRequest) ([]byte, error) { return Encode(TypeSyncRequest, m) }
func DecodeSyncRequest(data []byte) (SyncRequest, error) {
	var m SyncRequest
	err := decodeBody(TypeSyncRequest, data, &m)
	return m, err
}

func EncodeSyncResponse(m SyncResponse) ([]byte, error) { return Encode(TypeSyncResponse, m) }
func DecodeSyncResponse(data []byte) (SyncResponse, error) {
	var m SyncResponse
	err := decodeBody(TypeSyncResponse, data, &m)
	return m, err
}

func EncodeHeartbeat(m Heartbeat) ([]byte, error) { return Encode(TypeHeartbeat, m) }
func DecodeHeartbeat(data []byte) (Heartbeat, error) {
	var m Heartbeat
	err := decodeBody(TypeHeartbeat, data, &m)
	return m, err
}

func EncodeResignMsg(m ResignMsg) ([]byte, error) { return Encode(TypeResign, m) }
func DecodeResignMsg(data []byte) (ResignMsg, error) {
	var m ResignMsg
	err := decodeBody(TypeResign, data, &m)
	return m, err
}

// MaxMessageAge blunts replay of captured signed messages. Applies to
// message envelope timestamps, not to move timestamps inside the chain.
const MaxMessageAge = 5 * time.Minute

var ErrStaleMessage = errors.New("message outside freshness window")

func CheckTimestamp(ts uint64, now time.Time) error {
	if ts == 0 {
		return fmt.Errorf("%w: missing timestamp", ErrStaleMessage)
	}
	at := time.Unix(int64(ts), 0)
	diff := now.Sub(at)
	if diff < 0 {
		diff = -diff
	}
	if diff > MaxMessageAge {
		return fmt.Errorf("%w: skew %s", ErrStaleMessage, diff)
	}
	return nil
}
