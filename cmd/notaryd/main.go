package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	httpapi "github.com/notary-node/notary-node/internal/api/http"
	"github.com/notary-node/notary-node/internal/config"
	"github.com/notary-node/notary-node/internal/infrastructure/keystore"
	"github.com/notary-node/notary-node/internal/infrastructure/postgres"
	"github.com/notary-node/notary-node/internal/metrics"
	"github.com/notary-node/notary-node/internal/network"
	"github.com/notary-node/notary-node/internal/node"
	p2papi "github.com/notary-node/notary-node/internal/p2p/api"
	p2pclient "github.com/notary-node/notary-node/internal/p2p/client"
)

func main() {
	root := &cobra.Command{
		Use:   "notaryd",
		Short: "Byzantine item notarization node",
	}
	root.AddCommand(serveCmd(), migrateCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the node: ledger, peer API, and client API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply ledger schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			return postgres.RunMigrations(ctx, pool)
		},
	}
}

func serve() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	ledger := postgres.NewLedgerRepository(pool, cfg.RecordTTL, cfg.LedgerBatchSize, cfg.LedgerBatchDelay)
	defer ledger.Close()

	keyStore, err := keystore.NewFromEnv()
	if err != nil {
		return fmt.Errorf("keystore: %w", err)
	}

	self := network.NodeInfo{Number: cfg.NodeNumber, Name: cfg.NodeName}
	peers, err := parsePeers(cfg.PeerAddrs)
	if err != nil {
		return fmt.Errorf("peers: %w", err)
	}
	privKey, err := loadNodeKey(cfg.NodeKeySeed)
	if err != nil {
		return fmt.Errorf("node key: %w", err)
	}
	transport := p2pclient.New(self, privKey, peers, logger)

	reg := prometheus.NewRegistry()
	m := metrics.New("notary", reg)

	n := node.New(cfg, self, transport, ledger, keyStore, m, logger)
	defer n.Close()

	peerServer := &http.Server{
		Addr:         cfg.P2PAddr,
		Handler:      p2papi.NewServer(n, logger).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	apiServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      httpapi.NewServer(n, reg, cfg.MaxWaitingItemOfParcel).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.P2PAddr).Msg("peer api started")
		if err := peerServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("peer api failed")
		}
	}()
	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Msg("client api started")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("client api failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(ctxShutdown)
	_ = peerServer.Shutdown(ctxShutdown)
	return nil
}

// parsePeers decodes "number:name:baseURL" entries separated by commas.
func parsePeers(raw string) ([]p2pclient.Peer, error) {
	var peers []p2pclient.Peer
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed peer entry %q", entry)
		}
		num, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("malformed peer number in %q", entry)
		}
		peers = append(peers, p2pclient.Peer{
			Info:    network.NodeInfo{Number: num, Name: parts[1]},
			BaseURL: strings.TrimRight(parts[2], "/"),
		})
	}
	return peers, nil
}

// loadNodeKey decodes a hex ed25519 seed; an empty seed generates an
// ephemeral key, which is fine for single-run test networks.
func loadNodeKey(seed string) (ed25519.PrivateKey, error) {
	if seed == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		return priv, err
	}
	raw, err := hex.DecodeString(seed)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(raw))
	}
	return ed25519.NewKeyFromSeed(raw), nil
}
