// internal/node/node.go
package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"p2pgo/internal/archive"
	"p2pgo/internal/channel"
	"p2pgo/internal/crypto"
	"p2pgo/internal/game"
	"p2pgo/internal/ledger"
	"p2pgo/internal/metrics"
	"p2pgo/internal/network"
	"p2pgo/internal/proto"
	"p2pgo/internal/relay"
)

var (
	ErrUnknownGame  = errors.New("unknown game")
	ErrGameExists   = errors.New("game already exists")
	ErrJoinRejected = errors.New("join rejected")
)

var debugEnabled = os.Getenv("P2PGO_DEBUG") != ""

func debugf(format string, args ...any) {
	if debugEnabled {
		log.Printf("[node] "+format, args...)
	}
}

// Node ties the pieces together: identity, the per-game channel registry,
// the relay gate in front of the transport, the dialer pump that drains
// channel outbound queues, and the archiver behind the event streams.
type Node struct {
	cfg      Config
	pub      []byte
	priv     []byte
	metrics  *metrics.Metrics
	relay    *relay.Manager
	dialer   *network.Dialer
	archiver *archive.Archiver

	mu        sync.Mutex
	games     map[string]*channel.GameChannel
	peerAddrs map[string]string
	circuits  map[string]relay.CircuitID

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(cfg Config) (*Node, error) {
	if err := os.MkdirAll(cfg.Root, 0700); err != nil {
		return nil, err
	}
	pub, priv, err := crypto.EnsureKeypair(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	relayCfg := relay.NormalConfig()
	if cfg.RelayTier == "provider" {
		relayCfg = relay.ProviderConfig()
	}
	m := metrics.New()
	relayCfg.Metrics = m

	archiveDir := cfg.ArchiveDir
	if archiveDir == "" {
		archiveDir = filepath.Join(cfg.Root, "archive")
	}
	arch, err := archive.New(archiveDir)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}

	return &Node{
		cfg:       cfg,
		pub:       pub,
		priv:      priv,
		metrics:   m,
		relay:     relay.NewManager(relayCfg),
		dialer:    network.NewDialer(cfg.InsecureTLS),
		archiver:  arch,
		games:     make(map[string]*channel.GameChannel),
		peerAddrs: make(map[string]string),
		circuits:  make(map[string]relay.CircuitID),
		done:      make(chan struct{}),
	}, nil
}

func (n *Node) PlayerID() [32]byte {
	return crypto.DerivePlayerID(n.pub)
}

func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// Run serves inbound frames until the context ends.
func (n *Node) Run(ctx context.Context, ready chan<- struct{}) error {
	if n.cfg.MetricsFile != "" {
		n.wg.Add(1)
		go n.metricsLoop(ctx)
	}
	srv := network.NewServer(network.ServerConfig{Addr: n.cfg.ListenAddr}, n.HandleFrame)
	return srv.ListenAndServe(ctx, ready)
}

func (n *Node) metricsLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.done:
			return
		case <-ticker.C:
			if err := n.metrics.WriteSnapshot(n.cfg.MetricsFile); err != nil {
				debugf("metrics snapshot: %v", err)
			}
		}
	}
}

func (n *Node) channelConfig(gameID string, boardSize uint8, participants ...[]byte) channel.Config {
	return channel.Config{
		GameID:           gameID,
		BoardSize:        boardSize,
		Engine:           game.Rules{MaxMoves: n.cfg.MaxMovesPerGame},
		SignerPub:        n.pub,
		SignerPriv:       n.priv,
		Participants:     participants,
		FilterCapacity:   n.cfg.FilterCapacity,
		AckTimeout:       n.cfg.AckTimeout,
		AckRetryLimit:    n.cfg.AckRetryLimit,
		SnapshotEvery:    n.cfg.SnapshotEvery,
		SnapshotInterval: n.cfg.SnapshotInterval,
		Metrics:          n.metrics,
	}
}

// HostGame opens a fresh channel and waits for joins.
func (n *Node) HostGame(gameID string, boardSize uint8) (*channel.GameChannel, error) {
	ch, err := channel.New(n.channelConfig(gameID, boardSize, n.pub))
	if err != nil {
		return nil, err
	}
	if err := n.register(gameID, ch); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// JoinGame runs the join handshake against the host and seeds the local
// ledger from the returned history through the normal reconcile path.
func (n *Node) JoinGame(ctx context.Context, gameID string) (*channel.GameChannel, error) {
	if n.cfg.PeerAddr == "" {
		return nil, fmt.Errorf("no peer address configured")
	}
	req, err := proto.EncodeJoinRequest(proto.JoinRequest{
		GameID:     gameID,
		PlayerName: n.cfg.PlayerName,
		PlayerPub:  n.pub,
		Timestamp:  uint64(time.Now().Unix()),
	})
	if err != nil {
		return nil, err
	}
	raw, err := n.dialer.Exchange(ctx, n.cfg.PeerAddr, req)
	if err != nil {
		return nil, fmt.Errorf("join exchange: %w", err)
	}
	resp, err := proto.DecodeJoinResponse(raw)
	if err != nil {
		return nil, err
	}
	if !resp.Accepted {
		return nil, fmt.Errorf("%w: %s", ErrJoinRejected, resp.Reason)
	}
	if !crypto.IsPublicKey(resp.HostPub) {
		return nil, fmt.Errorf("%w: bad host key", ErrJoinRejected)
	}

	ch, err := channel.New(n.channelConfig(gameID, resp.BoardSize, resp.HostPub, n.pub))
	if err != nil {
		return nil, err
	}
	if len(resp.Moves) > 0 {
		head := resp.Moves[len(resp.Moves)-1].Hash()
		seed := proto.SyncResponse{
			GameID:    gameID,
			Moves:     resp.Moves,
			MoveCount: uint64(len(resp.Moves)),
			HeadHash:  head,
			StateHash: resp.StateHash,
			Timestamp: resp.Timestamp,
		}
		if err := ch.ReceiveSyncResponse(seed); err != nil {
			ch.Close()
			return nil, fmt.Errorf("seed history: %w", err)
		}
	}
	if err := n.register(gameID, ch); err != nil {
		ch.Close()
		return nil, err
	}
	n.SetPeerAddr(gameID, n.cfg.PeerAddr)
	log.Printf("joined game %s as %s, %d moves of history", gameID, resp.AssignedColor, len(resp.Moves))
	return ch, nil
}

func (n *Node) register(gameID string, ch *channel.GameChannel) error {
	n.mu.Lock()
	if _, ok := n.games[gameID]; ok {
		n.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrGameExists, gameID)
	}
	n.games[gameID] = ch
	n.mu.Unlock()

	ch.Start()
	n.wg.Add(2)
	go n.consumeEvents(gameID, ch)
	go n.pumpOutbound(gameID, ch)
	return nil
}

func (n *Node) Game(gameID string) (*channel.GameChannel, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.games[gameID]
	return ch, ok
}

func (n *Node) SetPeerAddr(gameID, addr string) {
	n.mu.Lock()
	n.peerAddrs[gameID] = addr
	n.mu.Unlock()
}

func (n *Node) peerAddr(gameID string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peerAddrs[gameID]
}

// consumeEvents feeds the archiver and finalizes the journal when a game
// ends or fails.
func (n *Node) consumeEvents(gameID string, ch *channel.GameChannel) {
	defer n.wg.Done()
	for ev := range ch.Subscribe() {
		if err := n.archiver.RecordEvent(ev); err != nil {
			debugf("archive %s: %v", gameID, err)
		}
		switch ev.Type {
		case channel.EventGameEnded, channel.EventGameIntegrityFailure:
			if err := n.archiver.FinalizeGame(ch.Ledger(), ev.Detail); err != nil {
				debugf("finalize %s: %v", gameID, err)
			}
		}
	}
}

// pumpOutbound drains a channel's bounded queue onto the wire. Send
// failures back off on the dialer's failure count; frames are not retried
// here because the sync protocol recovers anything that mattered.
func (n *Node) pumpOutbound(gameID string, ch *channel.GameChannel) {
	defer n.wg.Done()
	for {
		select {
		case <-n.done:
			return
		case frame := <-ch.Outbound():
			addr := n.peerAddr(gameID)
			if addr == "" {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := n.dialer.Send(ctx, addr, frame)
			cancel()
			if err != nil {
				failures := n.dialer.Failures(addr)
				debugf("send to %s failed (%d): %v", addr, failures, err)
				select {
				case <-n.done:
					return
				case <-time.After(network.BackoffDelay(failures)):
				}
			}
		}
	}
}

func criticalType(t byte) bool {
	switch t {
	case proto.TypeMove, proto.TypeResign, proto.TypeMoveAck,
		proto.TypeSyncRequest, proto.TypeSyncResponse:
		return true
	default:
		return false
	}
}

// admitFrame runs the relay gate: one circuit per remote, every frame
// charged against its bandwidth window. Game traffic counts as critical
// and may spend into the reserved allowance.
func (n *Node) admitFrame(remote string, size int, critical bool) error {
	n.mu.Lock()
	id, ok := n.circuits[remote]
	n.mu.Unlock()
	if !ok {
		newID, err := n.relay.Admit(remote)
		if err != nil {
			return err
		}
		n.mu.Lock()
		n.circuits[remote] = newID
		n.mu.Unlock()
		id = newID
	}
	err := n.relay.RecordBytes(id, uint64(size), critical)
	if errors.Is(err, relay.ErrUnknownCircuit) {
		// Reservation expired; re-admit once.
		n.mu.Lock()
		delete(n.circuits, remote)
		n.mu.Unlock()
		newID, aerr := n.relay.Admit(remote)
		if aerr != nil {
			return aerr
		}
		n.mu.Lock()
		n.circuits[remote] = newID
		n.mu.Unlock()
		return n.relay.RecordBytes(newID, uint64(size), critical)
	}
	return err
}

// HandleFrame is the inbound dispatch: relay gate, freshness check, then
// routing by message type. Only the join handshake produces a reply frame.
func (n *Node) HandleFrame(remote string, frame []byte) ([]byte, error) {
	t, err := proto.MsgType(frame)
	if err != nil {
		return nil, err
	}
	n.metrics.IncRecvByType(proto.TypeName(t))

	if err := n.admitFrame(remote, len(frame), criticalType(t)); err != nil {
		n.metrics.IncDropByReason("relay_gate")
		return nil, fmt.Errorf("relay gate for %s: %w", remote, err)
	}

	switch t {
	case proto.TypeJoinRequest:
		return n.handleJoin(remote, frame)

	case proto.TypeMove, proto.TypeResign:
		ch, err := n.routeFrameGame(frame, t)
		if err != nil {
			return nil, err
		}
		return nil, ch.ReceiveWireMove(frame)

	case proto.TypeMoveAck:
		ack, err := proto.DecodeMoveAck(frame)
		if err != nil {
			return nil, err
		}
		if err := proto.CheckTimestamp(ack.Timestamp, time.Now()); err != nil {
			n.metrics.IncDropByReason("stale")
			return nil, err
		}
		ch, ok := n.Game(ack.GameID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownGame, ack.GameID)
		}
		ch.ReceiveAck(ack)
		return nil, nil

	case proto.TypeSyncRequest:
		req, err := proto.DecodeSyncRequest(frame)
		if err != nil {
			return nil, err
		}
		if err := proto.CheckTimestamp(req.Timestamp, time.Now()); err != nil {
			n.metrics.IncDropByReason("stale")
			return nil, err
		}
		ch, ok := n.Game(req.GameID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownGame, req.GameID)
		}
		return nil, ch.ReceiveSyncRequest(req)

	case proto.TypeSyncResponse:
		resp, err := proto.DecodeSyncResponse(frame)
		if err != nil {
			return nil, err
		}
		if err := proto.CheckTimestamp(resp.Timestamp, time.Now()); err != nil {
			n.metrics.IncDropByReason("stale")
			return nil, err
		}
		ch, ok := n.Game(resp.GameID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownGame, resp.GameID)
		}
		return nil, ch.ReceiveSyncResponse(resp)

	case proto.TypeHeartbeat:
		hb, err := proto.DecodeHeartbeat(frame)
		if err != nil {
			return nil, err
		}
		if ch, ok := n.Game(hb.GameID); ok {
			ch.ReceiveHeartbeat(hb)
		}
		return nil, nil

	default:
		n.metrics.IncDropByReason("unknown_type")
		return nil, fmt.Errorf("unknown message type 0x%02x", t)
	}
}

func (n *Node) routeFrameGame(frame []byte, t byte) (*channel.GameChannel, error) {
	var gameID string
	switch t {
	case proto.TypeMove:
		msg, err := proto.DecodeMoveMsg(frame)
		if err != nil {
			return nil, err
		}
		gameID = msg.GameID
	case proto.TypeResign:
		msg, err := proto.DecodeResignMsg(frame)
		if err != nil {
			return nil, err
		}
		gameID = msg.GameID
	}
	ch, ok := n.Game(gameID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGame, gameID)
	}
	return ch, nil
}

func (n *Node) handleJoin(remote string, frame []byte) ([]byte, error) {
	req, err := proto.DecodeJoinRequest(frame)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	reject := func(reason string) ([]byte, error) {
		n.metrics.IncDropByReason("join_rejected")
		return proto.EncodeJoinResponse(proto.JoinResponse{
			GameID:    req.GameID,
			Accepted:  false,
			Reason:    reason,
			Timestamp: uint64(now.Unix()),
		})
	}

	if err := proto.CheckTimestamp(req.Timestamp, now); err != nil {
		return reject("stale request")
	}
	if !crypto.IsPublicKey(req.PlayerPub) {
		return reject("bad player key")
	}
	ch, ok := n.Game(req.GameID)
	if !ok {
		return reject("no such game")
	}
	l := ch.Ledger()
	if !l.HasParticipant(req.PlayerPub) && l.ParticipantCount() >= n.cfg.MaxPlayersPerGame {
		return reject("game full")
	}
	if err := ch.AddParticipant(req.PlayerPub); err != nil {
		return reject("bad player key")
	}
	n.SetPeerAddr(req.GameID, remote)
	log.Printf("game %s: %s joined from %s", req.GameID, req.PlayerName, remote)

	st := ch.State()
	return proto.EncodeJoinResponse(proto.JoinResponse{
		GameID:        req.GameID,
		Accepted:      true,
		AssignedColor: game.White,
		BoardSize:     st.Size,
		HostPub:       n.pub,
		Moves:         l.Moves(),
		StateHash:     st.Hash(),
		Timestamp:     uint64(now.Unix()),
	})
}

// ReleaseCircuit frees a remote's relay slot, for connection teardown.
func (n *Node) ReleaseCircuit(remote string) {
	n.mu.Lock()
	id, ok := n.circuits[remote]
	if ok {
		delete(n.circuits, remote)
	}
	n.mu.Unlock()
	if ok {
		n.relay.Release(id)
	}
}

func (n *Node) Close() {
	n.closeOnce.Do(func() {
		close(n.done)
		n.mu.Lock()
		games := make([]*channel.GameChannel, 0, len(n.games))
		for _, ch := range n.games {
			games = append(games, ch)
		}
		n.mu.Unlock()
		for _, ch := range games {
			ch.Close()
		}
		n.relay.Close()
		n.dialer.Close()
		n.wg.Wait()
	})
}

// SubmitMove is the UI entry point: route to the game channel and hand the
// signed move back for display.
func (n *Node) SubmitMove(gameID string, mv game.Move) (ledger.SignedMove, error) {
	ch, ok := n.Game(gameID)
	if !ok {
		return ledger.SignedMove{}, fmt.Errorf("%w: %s", ErrUnknownGame, gameID)
	}
	return ch.SubmitLocalMove(mv)
}
