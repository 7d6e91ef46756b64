package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rechain/rechain/internal/consensus"
	"github.com/rechain/rechain/internal/network"
	"github.com/rechain/rechain/internal/payload"
	"github.com/rechain/rechain/internal/security"
	"github.com/rechain/rechain/internal/storage"
	"github.com/rechain/rechain/internal/walletapi"
	"github.com/rechain/rechain/pkg/config"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	keyFile := flag.String("key", "", "Path to this validator's Ed25519 key file (generated if missing)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("consensusnode: load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	keys, err := loadOrGenerateKeys(*keyFile)
	if err != nil {
		log.Fatalf("consensusnode: %v", err)
	}

	dataDir := cfg.Node.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}
	storePath := cfg.Storage.Path
	if storePath == "" {
		storePath = filepath.Join(dataDir, "chain")
	}
	db, err := storage.NewBadgerStore(storePath)
	if err != nil {
		log.Fatalf("consensusnode: open storage: %v", err)
	}
	defer db.Close()
	blocks := storage.NewBlockStore(db)

	validators, err := parseValidators(cfg.Network.Validators)
	if err != nil {
		log.Fatalf("consensusnode: %v", err)
	}

	peerDiscovery, err := parseAddrs(cfg.Network.PeerDiscovery)
	if err != nil {
		log.Fatalf("consensusnode: %v", err)
	}
	localAddr, err := consensus.ParseAddr(cfg.Network.ListenAddress)
	if err != nil {
		log.Fatalf("consensusnode: parse listen address: %v", err)
	}

	audit := security.NewAuditLogger(cfg.Security.AuditLogPath != "")
	transport := network.New(log.Default())

	snapshots := walletapi.NewSnapshotHolder()
	committer := &commitPublisher{blocks: blocks, snapshots: snapshots}

	driverCfg := consensus.Config{
		RoundTimeoutMS:   cfg.Consensus.RoundTimeoutMS,
		ProposeTimeoutMS: cfg.Consensus.ProposeTimeoutMS,
		Byzantine:        cfg.Consensus.Byzantine,
	}
	driver, err := consensus.NewDriver(keys.PrivKey(), validators, localAddr, transport, committer, audit, driverCfg, peerDiscovery, log.Default())
	if err != nil {
		log.Fatalf("consensusnode: build driver: %v", err)
	}

	if cfg.Payload.Endpoint != "" {
		payloadStore, err := payload.New(cfg.Payload.Endpoint, cfg.Payload.AccessKey, cfg.Payload.SecretKey, cfg.Payload.Bucket, cfg.Payload.UseSSL)
		if err != nil {
			log.Fatalf("consensusnode: connect payload store: %v", err)
		}
		driver.WithPayloadResolver(newHeartbeatResolver(payloadStore))
	}

	walletServer := walletapi.NewServer(blocks, snapshots)
	if cfg.API.REST.Enabled {
		go func() {
			if err := walletServer.Start(cfg.API.REST.Address); err != nil {
				log.Printf("consensusnode: wallet API: %v", err)
			}
		}()
	}

	go func() {
		if err := driver.Run(ctx); err != nil {
			log.Printf("consensusnode: driver exited: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("consensusnode: shutting down")
	driver.Terminate()
	cancel()
	if err := walletServer.Stop(); err != nil {
		log.Printf("consensusnode: stop wallet API: %v", err)
	}
	if err := transport.Close(); err != nil {
		log.Printf("consensusnode: close transport: %v", err)
	}
}

// commitPublisher satisfies consensus.Committer: it persists every
// committed block and republishes the query surface's read-only
// snapshot (§9 "State ownership"). Wallet/transaction execution is a
// Non-goal, so Data stays empty; the wiring exists so a real state
// machine has somewhere to publish into later.
type commitPublisher struct {
	blocks    *storage.BlockStore
	snapshots *walletapi.SnapshotHolder
}

func (c *commitPublisher) Commit(height uint64, hash consensus.Hash, proposal *consensus.Propose) error {
	if err := c.blocks.Commit(height, hash, proposal); err != nil {
		return err
	}
	c.snapshots.Publish(walletapi.StateSnapshot{Height: height, Data: map[string][]byte{}})
	return nil
}

// newHeartbeatResolver stores a small per-proposal marker in the payload
// store and returns its CID, giving Propose.PayloadRef something real to
// carry. Transaction batching is a Non-goal, so this is the whole of what
// a proposer publishes; a real block producer would replace the reader
// with its pending transaction batch.
func newHeartbeatResolver(store *payload.Store) func() []byte {
	return func() []byte {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		info, err := store.Store(ctx, strings.NewReader(fmt.Sprintf("propose:%d", time.Now().UnixNano())), nil)
		if err != nil {
			log.Printf("consensusnode: store payload: %v", err)
			return nil
		}
		return []byte(info.CID)
	}
}

func loadOrGenerateKeys(path string) (*security.KeyManager, error) {
	if path == "" {
		km, err := security.NewKeyManager()
		if err != nil {
			return nil, fmt.Errorf("generate validator key: %w", err)
		}
		return km, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		km, err := security.NewKeyManager()
		if err != nil {
			return nil, fmt.Errorf("generate validator key: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
		if err := km.Save(path); err != nil {
			return nil, fmt.Errorf("save validator key: %w", err)
		}
		return km, nil
	}
	km, err := security.LoadKeyManager(path)
	if err != nil {
		return nil, fmt.Errorf("load validator key: %w", err)
	}
	return km, nil
}

func parseValidators(hexKeys []string) ([]consensus.PubKeyBytes, error) {
	out := make([]consensus.PubKeyBytes, 0, len(hexKeys))
	for _, h := range hexKeys {
		raw, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("parse validator key %q: %w", h, err)
		}
		if len(raw) != 32 {
			return nil, fmt.Errorf("validator key %q: expected 32 bytes, got %d", h, len(raw))
		}
		var pk consensus.PubKeyBytes
		copy(pk[:], raw)
		out = append(out, pk)
	}
	return out, nil
}

func parseAddrs(hostports []string) ([]consensus.Addr, error) {
	out := make([]consensus.Addr, 0, len(hostports))
	for _, hp := range hostports {
		addr, err := consensus.ParseAddr(hp)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}
