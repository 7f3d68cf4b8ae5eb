package main

import (
	"context"
	"crypto/ecdsa"
	"database/sql"
	"flag"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	_ "github.com/lib/pq"

	"github.com/shipsaga/fulfillment/api"
	"github.com/shipsaga/fulfillment/application/compensation"
	"github.com/shipsaga/fulfillment/application/orchestrator"
	"github.com/shipsaga/fulfillment/application/reaper"
	"github.com/shipsaga/fulfillment/application/recorder"
	"github.com/shipsaga/fulfillment/config"
	"github.com/shipsaga/fulfillment/infrastructure/blockchainstore"
	"github.com/shipsaga/fulfillment/infrastructure/chain"
	"github.com/shipsaga/fulfillment/infrastructure/ledger"
	"github.com/shipsaga/fulfillment/infrastructure/messaging"
	"github.com/shipsaga/fulfillment/infrastructure/sagastore"
)

func main() {
	log.Println("starting shipsaga fulfillment coordinator")

	configPath := flag.String("config", "", "path to an optional config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db := connectDatabase(cfg.DatabaseDSN)
	defer db.Close()
	log.Println("connected to PostgreSQL")

	bus := messaging.NewRabbitMQPort(cfg.BrokerURL, messaging.RetryPolicy{
		MaxAttempts:    cfg.RetryMaxAttempts,
		InitialBackoff: cfg.RetryInitialBackoff,
	})
	connectBroker(bus)
	defer bus.Close()

	sagaStore := sagastore.NewPostgresStore(db)
	blockchainStore := blockchainstore.NewPostgresStore(db)
	nonceStore := blockchainstore.NewPostgresNonceStore(db)
	idemLedger := ledger.NewPostgresLedger(db)
	log.Println("stores initialized")

	privateKey := loadSigningKey(cfg.SigningKeyHex)
	gateway, err := chain.NewEthGateway(cfg.ChainRPCURL, privateKey, big.NewInt(cfg.ChainID))
	if err != nil {
		log.Fatalf("chain: %v", err)
	}
	defer gateway.Close()

	signerAddress := crypto.PubkeyToAddress(privateKey.PublicKey)
	nonceManager := chain.NewNonceManager(gateway, nonceStore, cfg.ChainNetwork)
	log.Printf("chain gateway ready, signing address %s", signerAddress.Hex())

	orch := orchestrator.New(bus, sagaStore, idemLedger, cfg.ConsumerGroupID+".orchestrator")
	compWorker := compensation.NewWorker(bus, sagaStore, cfg.ConsumerGroupID+".compensation")
	sagaReaper := reaper.New(sagaStore, cfg.StuckSagaThreshold, cfg.ReaperInterval, 100)

	contractAddress := ethcommon.HexToAddress(cfg.RecordContract)
	submissionWorker := recorder.NewSubmissionWorker(bus, blockchainStore, gateway, nonceManager, signerAddress, contractAddress, cfg.ConsumerGroupID+".recorder")
	confirmationMonitor := recorder.NewConfirmationMonitor(blockchainStore, gateway, bus, cfg.ConfirmationInterval, cfg.SubmissionBatchSize, cfg.RequiredConfirmations)

	mux := http.NewServeMux()
	api.NewHandler(sagaStore, blockchainStore).Register(mux)
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	log.Printf("admin API configured on %s", cfg.HTTPAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runInBackground(ctx, "orchestrator", orch.Start)
	runInBackground(ctx, "compensation worker", compWorker.Start)
	runInBackground(ctx, "stuck-saga reaper", sagaReaper.Start)
	runInBackground(ctx, "blockchain submission worker", submissionWorker.Start)
	runInBackground(ctx, "blockchain confirmation monitor", confirmationMonitor.Start)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("admin API error: %v", err)
		}
	}()

	log.Println("all components started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("admin API shutdown error: %v", err)
	}

	cancel()
	log.Println("goodbye")
}

// runInBackground starts a long-running component's Start method on its
// own goroutine, logging a non-fatal error rather than crashing the
// process — a single component failing to start should not take down
// the others already running.
func runInBackground(ctx context.Context, name string, start func(context.Context) error) {
	go func() {
		if err := start(ctx); err != nil {
			log.Printf("%s error: %v", name, err)
		}
	}()
}

func connectDatabase(dsn string) *sql.DB {
	var db *sql.DB
	var err error
	for attempt := 1; attempt <= 10; attempt++ {
		db, err = sql.Open("postgres", dsn)
		if err == nil {
			err = db.Ping()
		}
		if err == nil {
			return db
		}
		log.Printf("database connect attempt %d/10 failed: %v", attempt, err)
		if db != nil {
			db.Close()
		}
		time.Sleep(2 * time.Second)
	}
	log.Fatalf("failed to connect to database after 10 attempts: %v", err)
	return nil
}

func connectBroker(bus *messaging.RabbitMQPort) {
	var err error
	for attempt := 1; attempt <= 10; attempt++ {
		if err = bus.Connect(); err == nil {
			return
		}
		log.Printf("broker connect attempt %d/10 failed: %v", attempt, err)
		time.Sleep(2 * time.Second)
	}
	log.Fatalf("failed to connect to broker after 10 attempts: %v", err)
}

func loadSigningKey(hexKey string) *ecdsa.PrivateKey {
	if hexKey == "" {
		log.Fatal("signing_key_hex must be configured")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		log.Fatalf("invalid signing key: %v", err)
	}
	return key
}
