// internal/node/config.go
package node

import (
	"os"
	"strconv"
	"time"
)

// Configuration is flag-seeded and env-overridable; every P2PGO_* variable
// maps to one field.
type Config struct {
	Root       string
	ListenAddr string
	Mode       string // "host" or "join"
	PeerAddr   string
	PlayerName string

	GameID    string
	BoardSize uint8

	MaxPlayersPerGame int
	MaxMovesPerGame   uint32

	FilterCapacity   int
	AckTimeout       time.Duration
	AckRetryLimit    uint8
	SnapshotEvery    uint64
	SnapshotInterval time.Duration

	RelayTier   string // "normal" or "provider"
	InsecureTLS bool

	ArchiveDir  string
	MetricsFile string
}

func DefaultConfig() Config {
	return Config{
		Root:              defaultRoot(),
		ListenAddr:        "127.0.0.1:47800",
		Mode:              "host",
		BoardSize:         19,
		MaxPlayersPerGame: 2,
		MaxMovesPerGame:   500,
		FilterCapacity:    8192,
		AckTimeout:        3 * time.Second,
		AckRetryLimit:     3,
		SnapshotEvery:     10,
		SnapshotInterval:  30 * time.Second,
		RelayTier:         "normal",
	}
}

func defaultRoot() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.p2pgo"
	}
	return ".p2pgo"
}

// ApplyEnv overlays P2PGO_* environment variables onto the config.
func (c *Config) ApplyEnv() {
	if v, ok := envStr("P2PGO_ROOT"); ok {
		c.Root = v
	}
	if v, ok := envStr("P2PGO_LISTEN"); ok {
		c.ListenAddr = v
	}
	if v, ok := envStr("P2PGO_MODE"); ok {
		c.Mode = v
	}
	if v, ok := envStr("P2PGO_PEER"); ok {
		c.PeerAddr = v
	}
	if v, ok := envStr("P2PGO_NAME"); ok {
		c.PlayerName = v
	}
	if v, ok := envStr("P2PGO_GAME"); ok {
		c.GameID = v
	}
	if v, ok := envInt("P2PGO_BOARD_SIZE"); ok && v > 0 && v <= 25 {
		c.BoardSize = uint8(v)
	}
	if v, ok := envInt("P2PGO_MAX_PLAYERS"); ok && v > 0 {
		c.MaxPlayersPerGame = v
	}
	if v, ok := envInt("P2PGO_MAX_MOVES"); ok && v > 0 {
		c.MaxMovesPerGame = uint32(v)
	}
	if v, ok := envInt("P2PGO_FILTER_CAP"); ok && v > 0 {
		c.FilterCapacity = v
	}
	if v, ok := envInt("P2PGO_ACK_TIMEOUT_MS"); ok && v > 0 {
		c.AckTimeout = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("P2PGO_ACK_RETRIES"); ok && v > 0 && v < 256 {
		c.AckRetryLimit = uint8(v)
	}
	if v, ok := envInt("P2PGO_SNAPSHOT_EVERY"); ok && v > 0 {
		c.SnapshotEvery = uint64(v)
	}
	if v, ok := envInt("P2PGO_SNAPSHOT_INTERVAL_S"); ok && v > 0 {
		c.SnapshotInterval = time.Duration(v) * time.Second
	}
	if v, ok := envStr("P2PGO_RELAY_TIER"); ok {
		c.RelayTier = v
	}
	if os.Getenv("P2PGO_INSECURE_TLS") == "1" {
		c.InsecureTLS = true
	}
	if v, ok := envStr("P2PGO_ARCHIVE_DIR"); ok {
		c.ArchiveDir = v
	}
	if v, ok := envStr("P2PGO_METRICS_FILE"); ok {
		c.MetricsFile = v
	}
}

func envStr(key string) (string, bool) {
	v := os.Getenv(key)
	if v == "" {
		return "", false
	}
	return v, true
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
