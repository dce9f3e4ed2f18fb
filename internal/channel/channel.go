// internal/channel/channel.go
package channel

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"p2pgo/internal/game"
	"p2pgo/internal/ledger"
	"p2pgo/internal/metrics"
	"p2pgo/internal/proto"
)

var (
	ErrChannelBusy   = errors.New("outbound queue full")
	ErrChannelClosed = errors.New("channel closed")
	ErrGameIntegrity = errors.New("game integrity failure")
	ErrWrongGame     = errors.New("message for a different game")
)

const (
	defaultOutboundQueue     = 1000
	defaultHeartbeatInterval = 10 * time.Second
	tickInterval             = 500 * time.Millisecond
)

var debugEnabled = os.Getenv("P2PGO_DEBUG") != ""

func debugf(format string, args ...any) {
	if debugEnabled {
		log.Printf("[channel] "+format, args...)
	}
}

type Config struct {
	GameID       string
	BoardSize    uint8
	Engine       game.Engine
	SignerPub    []byte
	SignerPriv   []byte
	Participants [][]byte

	FilterCapacity    int
	AckTimeout        time.Duration
	AckRetryLimit     uint8
	SnapshotEvery     uint64
	SnapshotInterval  time.Duration
	EventBuffer       int
	OutboundQueue     int
	HeartbeatInterval time.Duration

	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// GameChannel owns one game's ledger, dedup filter, ack watchdog and sync
// coordinator. Side effects are ledger growth, event emission and frames
// pushed to the bounded outbound queue; it performs no I/O of its own.
type GameChannel struct {
	cfg      Config
	engine   game.Engine
	ledger   *ledger.Ledger
	filter   *deliveryFilter
	watchdog *ackWatchdog
	syncer   *syncCoordinator
	hub      *eventHub
	metrics  *metrics.Metrics
	now      func() time.Time

	mu              sync.Mutex
	state           game.State
	failed          bool
	degraded        bool
	closed          bool
	lastPeerSeen    time.Time
	lastForkRequest time.Time

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config) (*GameChannel, error) {
	if cfg.GameID == "" {
		return nil, fmt.Errorf("missing game id")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("missing rules engine")
	}
	if cfg.BoardSize == 0 {
		cfg.BoardSize = 19
	}
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = defaultOutboundQueue
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	c := &GameChannel{
		cfg:      cfg,
		engine:   cfg.Engine,
		ledger:   ledger.New(cfg.GameID, cfg.Participants...),
		filter:   newDeliveryFilter(cfg.FilterCapacity),
		watchdog: newAckWatchdog(cfg.AckTimeout, cfg.AckRetryLimit),
		syncer:   newSyncCoordinator(cfg.SnapshotEvery, cfg.SnapshotInterval, now()),
		hub:      newEventHub(cfg.EventBuffer, cfg.Metrics),
		metrics:  cfg.Metrics,
		now:      now,
		state:    game.NewState(cfg.BoardSize),
		outbound: make(chan []byte, cfg.OutboundQueue),
		done:     make(chan struct{}),
	}
	return c, nil
}

// Start launches the timer loop: watchdog sweeps, snapshot cadence and
// heartbeats. Safe to skip in tests that drive sweeps directly.
func (c *GameChannel) Start() {
	go c.run()
}

func (c *GameChannel) run() {
	tick := time.NewTicker(tickInterval)
	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer tick.Stop()
	defer heartbeat.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-tick.C:
			now := c.now()
			c.SweepWatchdog(now)
			c.MaybeSnapshot(now)
			c.MaybeResyncFork(now)
		case <-heartbeat.C:
			c.sendHeartbeat()
		}
	}
}

func (c *GameChannel) GameID() string          { return c.cfg.GameID }
func (c *GameChannel) Ledger() *ledger.Ledger  { return c.ledger }
func (c *GameChannel) Outbound() <-chan []byte { return c.outbound }
func (c *GameChannel) Subscribe() <-chan Event { return c.hub.Subscribe() }

func (c *GameChannel) AddParticipant(pub []byte) error {
	return c.ledger.AddParticipant(pub)
}

// State returns a deep copy of the current board state.
func (c *GameChannel) State() game.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

func (c *GameChannel) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

func (c *GameChannel) Failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

func (c *GameChannel) enqueue(frame []byte) error {
	select {
	case c.outbound <- frame:
		return nil
	default:
		return ErrChannelBusy
	}
}

func (c *GameChannel) publish(ev Event) {
	ev.GameID = c.cfg.GameID
	ev.At = c.now()
	c.hub.Publish(ev)
}

// SubmitLocalMove validates through the rules engine, signs, appends, arms
// the watchdog and queues the move for transmission. Backpressure is
// checked before any mutation so a full queue rejects cleanly.
func (c *GameChannel) SubmitLocalMove(mv game.Move) (ledger.SignedMove, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ledger.SignedMove{}, ErrChannelClosed
	}
	if c.failed {
		return ledger.SignedMove{}, ErrGameIntegrity
	}
	if len(c.outbound) >= cap(c.outbound) {
		return ledger.SignedMove{}, ErrChannelBusy
	}

	next, err := c.engine.Apply(c.state, mv)
	if err != nil {
		return ledger.SignedMove{}, err
	}

	now := c.now()
	sm, err := ledger.NewSignedMove(c.cfg.SignerPriv, c.cfg.SignerPub, mv,
		c.ledger.HeadSequence()+1, c.ledger.Head(), uint64(now.Unix()))
	if err != nil {
		return ledger.SignedMove{}, fmt.Errorf("sign move: %w", err)
	}
	if err := c.ledger.Append(sm); err != nil {
		return ledger.SignedMove{}, err
	}

	c.state = next
	hash := sm.Hash()
	c.filter.Observe(hash)
	c.watchdog.Arm(hash, sm.Sequence, now)
	if c.metrics != nil {
		c.metrics.IncMoveApplied()
	}

	msgType := proto.TypeMove
	var frame []byte
	if mv.Kind == game.MoveResign {
		msgType = proto.TypeResign
		frame, err = proto.EncodeResignMsg(proto.ResignMsg{GameID: c.cfg.GameID, SignedMove: sm})
	} else {
		frame, err = proto.EncodeMoveMsg(proto.MoveMsg{GameID: c.cfg.GameID, SignedMove: sm})
	}
	if err != nil {
		return ledger.SignedMove{}, fmt.Errorf("encode %s: %w", proto.TypeName(msgType), err)
	}
	if err := c.enqueue(frame); err != nil {
		// Queue filled between the check and now; the move is on the chain
		// and the watchdog sync path will carry it to the peer.
		debugf("game %s: outbound raced full at seq %d", c.cfg.GameID, sm.Sequence)
	}

	c.publish(Event{Type: EventMoveApplied, Sequence: sm.Sequence, Move: mv})
	if c.state.Over {
		c.publish(Event{Type: EventGameEnded, Sequence: sm.Sequence, Detail: c.endDetail()})
	}
	return sm, nil
}

func (c *GameChannel) endDetail() string {
	if c.state.Resigned != game.Empty {
		return fmt.Sprintf("%s resigned", c.state.Resigned)
	}
	return "two passes"
}

// ReceiveWireMove is the raw-frame entry point: decode, match the game,
// then run the shared ingest path.
func (c *GameChannel) ReceiveWireMove(data []byte) error {
	t, err := proto.MsgType(data)
	if err != nil {
		return err
	}
	var sm ledger.SignedMove
	var gameID string
	switch t {
	case proto.TypeMove:
		msg, err := proto.DecodeMoveMsg(data)
		if err != nil {
			return err
		}
		sm, gameID = msg.SignedMove, msg.GameID
	case proto.TypeResign:
		msg, err := proto.DecodeResignMsg(data)
		if err != nil {
			return err
		}
		sm, gameID = msg.SignedMove, msg.GameID
	default:
		return fmt.Errorf("unexpected %s on move path", proto.TypeName(t))
	}
	if gameID != c.cfg.GameID {
		return ErrWrongGame
	}
	return c.ReceiveMove(sm)
}

// ReceiveMove runs the inbound pipeline: dedup filter, sequence check,
// rules-engine apply, ledger append, ack, broadcast. The engine runs before
// the append so a rejected move never lands on the chain.
func (c *GameChannel) ReceiveMove(sm ledger.SignedMove) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	if c.failed {
		return ErrGameIntegrity
	}

	hash := sm.Hash()
	if !c.filter.Observe(hash) {
		if c.metrics != nil {
			c.metrics.IncMoveDuplicate()
		}
		return nil
	}

	headSeq := c.ledger.HeadSequence()
	if sm.Sequence > headSeq+1 {
		// Ahead of us. Not a rejection; ask the peer for the missing range.
		debugf("game %s: gap, candidate seq %d head %d", c.cfg.GameID, sm.Sequence, headSeq)
		c.triggerSyncLocked()
		return nil
	}
	if sm.Sequence <= headSeq {
		// Behind the head: Append treats an exact duplicate as a no-op and
		// a divergent entry as a hash mismatch.
		err := c.ledger.Append(sm)
		if err != nil && c.metrics != nil {
			c.metrics.IncMoveRejected()
		}
		return err
	}

	next, err := c.engine.Apply(c.state, sm.Move)
	if err != nil {
		if c.metrics != nil {
			c.metrics.IncMoveRejected()
		}
		return err
	}
	if err := c.ledger.Append(sm); err != nil {
		if c.metrics != nil {
			c.metrics.IncMoveRejected()
		}
		return err
	}

	c.state = next
	if c.metrics != nil {
		c.metrics.IncMoveApplied()
	}
	c.sendAckLocked(hash, sm.Sequence)
	c.publish(Event{Type: EventMoveApplied, Sequence: sm.Sequence, Move: sm.Move})
	if c.state.Over {
		c.publish(Event{Type: EventGameEnded, Sequence: sm.Sequence, Detail: c.endDetail()})
	}
	return nil
}

func (c *GameChannel) sendAckLocked(hash [32]byte, seq uint64) {
	frame, err := proto.EncodeMoveAck(proto.MoveAck{
		GameID:    c.cfg.GameID,
		MoveHash:  hash,
		Sequence:  seq,
		Timestamp: uint64(c.now().Unix()),
	})
	if err != nil {
		return
	}
	// Best effort; a lost ack is recovered by the peer's watchdog sync.
	if err := c.enqueue(frame); err != nil {
		debugf("game %s: ack for seq %d dropped, queue full", c.cfg.GameID, seq)
	}
}

// ReceiveAck clears the matching pending entry.
func (c *GameChannel) ReceiveAck(ack proto.MoveAck) {
	if ack.GameID != c.cfg.GameID {
		return
	}
	c.watchdog.Ack(ack.MoveHash)
}

// ReceiveHeartbeat tracks peer liveness; a heartbeat advertising a head
// ahead of ours starts a sync.
func (c *GameChannel) ReceiveHeartbeat(hb proto.Heartbeat) {
	if hb.GameID != c.cfg.GameID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPeerSeen = c.now()
	if hb.Sequence > c.ledger.HeadSequence() {
		c.triggerSyncLocked()
	}
}

// ReceiveSyncRequest answers with our suffix past the requester's head and
// the current state hash.
func (c *GameChannel) ReceiveSyncRequest(req proto.SyncRequest) error {
	if req.GameID != c.cfg.GameID {
		return ErrWrongGame
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}

	resp := proto.SyncResponse{
		GameID:    c.cfg.GameID,
		Moves:     c.ledger.MovesAfter(req.LastKnownSequence),
		MoveCount: c.ledger.MoveCount(),
		HeadHash:  c.ledger.Head(),
		StateHash: c.state.Hash(),
		Timestamp: uint64(c.now().Unix()),
	}
	frame, err := proto.EncodeSyncResponse(resp)
	if err != nil {
		return fmt.Errorf("encode sync response: %w", err)
	}
	return c.enqueue(frame)
}

// ReceiveSyncResponse reconciles the peer's suffix into our chain. A move
// that fails hash or signature validation marks a fork; the larger
// (move_count, head_hash) side wins and the loser adopts the winner's
// chain, which must then survive a full rules replay.
func (c *GameChannel) ReceiveSyncResponse(resp proto.SyncResponse) error {
	if resp.GameID != c.cfg.GameID {
		return ErrWrongGame
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if c.failed {
		return ErrGameIntegrity
	}

	c.syncer.BeginReconcile()

	forked := false
	for _, sm := range resp.Moves {
		headSeq := c.ledger.HeadSequence()
		if sm.Sequence <= headSeq {
			if err := c.ledger.Append(sm); err != nil {
				forked = true
				break
			}
			continue
		}
		if sm.Sequence != headSeq+1 {
			// Responder skipped a link; treat like a divergent chain.
			forked = true
			break
		}
		next, err := c.engine.Apply(c.state, sm.Move)
		if err != nil {
			// A signed but illegal move in the peer's chain is fatal for
			// this game, never silently dropped.
			c.failLocked(fmt.Sprintf("illegal move at seq %d: %v", sm.Sequence, err))
			return ErrGameIntegrity
		}
		if err := c.ledger.Append(sm); err != nil {
			forked = true
			break
		}
		c.state = next
		if c.metrics != nil {
			c.metrics.IncMoveApplied()
		}
		c.filter.Observe(sm.Hash())
		c.publish(Event{Type: EventMoveApplied, Sequence: sm.Sequence, Move: sm.Move})
	}

	if !forked && c.ledger.Head() != resp.HeadHash && c.ledger.MoveCount() <= resp.MoveCount {
		// Same length or shorter but a different head: divergent history.
		forked = true
	}

	if forked {
		return c.resolveForkLocked(resp)
	}

	c.watchdog.ConfirmThrough(resp.MoveCount)
	c.syncer.MarkSynced()
	if c.metrics != nil {
		c.metrics.IncSyncCompleted()
	}
	c.publish(Event{Type: EventSyncCompleted, Sequence: c.ledger.HeadSequence()})
	if c.state.Over {
		c.publish(Event{Type: EventGameEnded, Sequence: c.ledger.HeadSequence(), Detail: c.endDetail()})
	}
	return nil
}

// resolveForkLocked applies the deterministic tie-break. When the remote
// side wins we need its chain from genesis; a suffix response triggers a
// full re-request instead of guessing the divergence point.
func (c *GameChannel) resolveForkLocked(resp proto.SyncResponse) error {
	if !remoteWins(c.ledger.MoveCount(), c.ledger.Head(), resp.MoveCount, resp.HeadHash) {
		// Our chain wins; the peer adopts ours when it syncs against us.
		debugf("game %s: fork, local chain wins", c.cfg.GameID)
		c.syncer.MarkSynced()
		if c.metrics != nil {
			c.metrics.IncForkResolved()
		}
		c.publish(Event{Type: EventSyncCompleted, Sequence: c.ledger.HeadSequence(), Detail: "fork resolved locally"})
		return nil
	}

	fullChain := uint64(len(resp.Moves)) == resp.MoveCount &&
		(resp.MoveCount == 0 || resp.Moves[0].Sequence == 1)
	if !fullChain {
		c.syncer.MarkForked()
		c.requestFullChainLocked()
		return nil
	}

	if err := c.ledger.ResetTo(resp.Moves); err != nil {
		c.failLocked(fmt.Sprintf("winner chain rejected: %v", err))
		return ErrGameIntegrity
	}
	moves := make([]game.Move, len(resp.Moves))
	for i, sm := range resp.Moves {
		moves[i] = sm.Move
	}
	replayed, err := game.Replay(c.engine, c.cfg.BoardSize, moves)
	if err != nil {
		c.failLocked(fmt.Sprintf("winner chain fails replay: %v", err))
		return ErrGameIntegrity
	}

	c.state = replayed
	// Local moves displaced by the winner chain are gone; their pendings
	// must not keep demanding acks.
	c.watchdog.Discard()
	for _, sm := range resp.Moves {
		c.filter.Observe(sm.Hash())
	}
	c.syncer.MarkSynced()
	if c.metrics != nil {
		c.metrics.IncForkResolved()
		c.metrics.IncSyncCompleted()
	}
	debugf("game %s: fork, adopted remote chain at seq %d", c.cfg.GameID, resp.MoveCount)
	c.publish(Event{Type: EventSyncCompleted, Sequence: resp.MoveCount, Detail: "fork resolved, remote chain adopted"})
	return nil
}

func (c *GameChannel) requestFullChainLocked() {
	c.lastForkRequest = c.now()
	frame, err := proto.EncodeSyncRequest(proto.SyncRequest{
		GameID:            c.cfg.GameID,
		LastKnownSequence: 0,
		HeadHash:          c.ledger.Genesis(),
		Timestamp:         uint64(c.now().Unix()),
	})
	if err != nil {
		return
	}
	if err := c.enqueue(frame); err != nil {
		debugf("game %s: full chain request dropped, queue full", c.cfg.GameID)
	}
}

func (c *GameChannel) triggerSyncLocked() {
	if !c.syncer.RequestSync() {
		return
	}
	if c.metrics != nil {
		c.metrics.IncSyncStarted()
	}
	c.publish(Event{Type: EventSyncStarted, Sequence: c.ledger.HeadSequence()})
	frame, err := proto.EncodeSyncRequest(proto.SyncRequest{
		GameID:            c.cfg.GameID,
		LastKnownSequence: c.ledger.HeadSequence(),
		HeadHash:          c.ledger.Head(),
		Timestamp:         uint64(c.now().Unix()),
	})
	if err != nil {
		return
	}
	if err := c.enqueue(frame); err != nil {
		debugf("game %s: sync request dropped, queue full", c.cfg.GameID)
	}
}

// SweepWatchdog expires overdue acks. A timed-out move is never resent
// directly; the sweep escalates to one sync request and lets reconciliation
// prove whether the peer already holds the move.
func (c *GameChannel) SweepWatchdog(now time.Time) {
	res := c.watchdog.Sweep(now)
	if res.expired == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.metrics != nil {
		for i := 0; i < res.expired; i++ {
			c.metrics.IncAckTimeout()
		}
	}
	if res.syncNeeded {
		c.triggerSyncLocked()
	}
	if res.degraded && !c.degraded {
		c.degraded = true
		log.Printf("game %s: connection degraded, ack retry budget exhausted", c.cfg.GameID)
		c.publish(Event{Type: EventConnectionDegraded, Sequence: c.ledger.HeadSequence()})
	}
}

// MaybeResyncFork re-issues the full-chain request while the channel sits
// forked. Without it, recovery after a dropped request frame would depend
// entirely on the peer speaking first.
func (c *GameChannel) MaybeResyncFork(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.failed {
		return
	}
	if c.syncer.State() != stateForked {
		return
	}
	if now.Sub(c.lastForkRequest) < c.cfg.AckTimeout {
		return
	}
	c.requestFullChainLocked()
}

// MaybeSnapshot takes a recovery snapshot when the cadence is due.
func (c *GameChannel) MaybeSnapshot(now time.Time) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Snapshot{}, false
	}
	headSeq := c.ledger.HeadSequence()
	if !c.syncer.SnapshotDue(headSeq, now) {
		return Snapshot{}, false
	}
	snap := c.syncer.TakeSnapshot(headSeq, c.state.Clone(), now)
	if c.metrics != nil {
		c.metrics.IncSnapshot()
	}
	debugf("game %s: snapshot at seq %d", c.cfg.GameID, headSeq)
	return snap, true
}

func (c *GameChannel) LatestSnapshot() (Snapshot, bool) {
	return c.syncer.LatestSnapshot()
}

func (c *GameChannel) sendHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	frame, err := proto.EncodeHeartbeat(proto.Heartbeat{
		GameID:    c.cfg.GameID,
		Sequence:  c.ledger.HeadSequence(),
		Timestamp: uint64(c.now().Unix()),
	})
	if err != nil {
		return
	}
	if err := c.enqueue(frame); err != nil {
		debugf("game %s: heartbeat dropped, queue full", c.cfg.GameID)
	}
}

func (c *GameChannel) failLocked(detail string) {
	if c.failed {
		return
	}
	c.failed = true
	c.syncer.MarkForked()
	if c.metrics != nil {
		c.metrics.IncIntegrityFailure()
	}
	log.Printf("game %s: integrity failure: %s", c.cfg.GameID, detail)
	c.publish(Event{Type: EventGameIntegrityFailure, Sequence: c.ledger.HeadSequence(), Detail: detail})
}

// Close cancels the timer loop, discards outstanding pendings and closes
// every subscriber stream. The ledger stays readable.
func (c *GameChannel) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		c.watchdog.Discard()
		c.hub.Close()
	})
}
