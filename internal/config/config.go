package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds node configuration.
type Config struct {
	DatabaseURL string
	ServerAddr  string

	NodeNumber int
	NodeName   string

	// Peer layout: comma-separated "number:name:baseURL" entries, this node
	// included. NodeKeySeed is a hex ed25519 seed for envelope signing.
	PeerAddrs   string
	P2PAddr     string
	NodeKeySeed string

	// Consensus policy over total network size.
	PositiveConsensusRatio float64
	NegativeConsensusRatio float64
	ResyncBreakRatio       float64

	// Timing knobs.
	MaxElectionsTime              time.Duration
	MaxConsensusReceivedCheckTime time.Duration
	MaxGetItemTime                time.Duration
	MaxWaitingItemOfParcel        time.Duration
	MaxResyncTime                 time.Duration
	PollTime                      time.Duration
	RecordTTL                     time.Duration

	GetItemRetryCount  int
	PaymentQuantaLimit int

	// Ledger write-behind batching; size 1 disables batching.
	LedgerBatchSize  int
	LedgerBatchDelay time.Duration
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "notary")
		pass := getenv("POSTGRES_PASSWORD", "notary_pass")
		db := getenv("POSTGRES_DB", "notary")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	cfg := &Config{
		DatabaseURL: dsn,
		ServerAddr:  getenv("SERVER_ADDR", "0.0.0.0:8080"),

		NodeNumber: parseInt(getenv("NODE_NUMBER", "1"), 1),
		NodeName:   getenv("NODE_NAME", "node-1"),

		PeerAddrs:   os.Getenv("PEER_ADDRS"),
		P2PAddr:     getenv("P2P_ADDR", "0.0.0.0:8081"),
		NodeKeySeed: os.Getenv("NODE_KEY_SEED"),

		PositiveConsensusRatio: parseFloat(getenv("POSITIVE_CONSENSUS_RATIO", "0.90"), 0.90),
		NegativeConsensusRatio: parseFloat(getenv("NEGATIVE_CONSENSUS_RATIO", "0.11"), 0.11),
		ResyncBreakRatio:       parseFloat(getenv("RESYNC_BREAK_RATIO", "0.20"), 0.20),

		MaxElectionsTime:              parseDuration(getenv("MAX_ELECTIONS_TIME", "15m"), 15*time.Minute),
		MaxConsensusReceivedCheckTime: parseDuration(getenv("MAX_CONSENSUS_RECEIVED_CHECK_TIME", "15m"), 15*time.Minute),
		MaxGetItemTime:                parseDuration(getenv("MAX_GET_ITEM_TIME", "30s"), 30*time.Second),
		MaxWaitingItemOfParcel:        parseDuration(getenv("MAX_WAITING_ITEM_OF_PARCEL", "3m"), 3*time.Minute),
		MaxResyncTime:                 parseDuration(getenv("MAX_RESYNC_TIME", "1m"), time.Minute),
		PollTime:                      parseDuration(getenv("POLL_TIME", "1s"), time.Second),
		RecordTTL:                     parseDuration(getenv("RECORD_TTL", "5m"), 5*time.Minute),

		GetItemRetryCount:  parseInt(getenv("GET_ITEM_RETRY_COUNT", "10"), 10),
		PaymentQuantaLimit: parseInt(getenv("PAYMENT_QUANTA_LIMIT", "200"), 200),

		LedgerBatchSize:  parseInt(getenv("LEDGER_BATCH_SIZE", "1"), 1),
		LedgerBatchDelay: parseDuration(getenv("LEDGER_BATCH_DELAY", "10ms"), 10*time.Millisecond),
	}
	return cfg, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func parseFloat(val string, def float64) float64 {
	if val == "" {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return f
}
