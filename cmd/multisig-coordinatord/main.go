// Copyright 2025 Certen Protocol
//
// multisig-coordinatord is the coordinator server binary: it wires the
// session store, session manager, wire server, expiry scheduler, audit
// sink, and metrics exporter together behind a config file and exposes
// a health endpoint, generalizing main.go's HealthStatus/health-endpoint
// shape to this service.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/certen/hedera-multisig-coordinator/pkg/audit"
	"github.com/certen/hedera-multisig-coordinator/pkg/config"
	"github.com/certen/hedera-multisig-coordinator/pkg/expiry"
	"github.com/certen/hedera-multisig-coordinator/pkg/kvdb"
	"github.com/certen/hedera-multisig-coordinator/pkg/metrics"
	"github.com/certen/hedera-multisig-coordinator/pkg/session"
	"github.com/certen/hedera-multisig-coordinator/pkg/store"
	"github.com/certen/hedera-multisig-coordinator/pkg/txfreeze"
	"github.com/certen/hedera-multisig-coordinator/pkg/wire"
)

// HealthStatus tracks component health for the /health endpoint,
// generalizing main.go's HealthStatus to this service's components.
type HealthStatus struct {
	mu        sync.RWMutex
	Status    string `json:"status"`
	Store     string `json:"store"`
	Audit     string `json:"audit"`
	Uptime    int64  `json:"uptime_seconds"`
	startTime time.Time
}

func newHealthStatus() *HealthStatus {
	return &HealthStatus{Status: "starting", Store: "unknown", Audit: "unknown", startTime: time.Now()}
}

func (h *HealthStatus) set(store, auditBackend string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Store = store
	h.Audit = auditBackend
	h.Status = "ok"
}

func (h *HealthStatus) ToJSON() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.Uptime = int64(time.Since(h.startTime).Seconds())
	data, _ := json.Marshal(h)
	return data
}

// defaultExecutor is a stand-in for the ledger submission RPC, an
// external collaborator of this service. It satisfies
// session.TransactionExecutor so the state machine is exercisable end
// to end without a real Hedera client wired in.
func defaultExecutor(logger *log.Logger) session.TransactionExecutor {
	return func(ctx context.Context, frozen *txfreeze.FrozenTransaction, signatures map[string]*store.Signature) error {
		logger.Printf("submitting transaction %x with %d signatures (ledger submission RPC is out of scope; treating as success)", frozen.Hash, len(signatures))
		return nil
	}
}

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		showHelp   = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *showHelp {
		printHelp()
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	health := newHealthStatus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionStore, storeLabel := buildStore(ctx, cfg)
	auditSink := audit.New(ctx, audit.Config{Backend: cfg.Audit.Backend, DatabaseURL: cfg.Audit.DatabaseURL})

	scheduler := expiry.New(nil)
	manager := session.New(session.Config{
		Store:          sessionStore,
		Scheduler:      scheduler,
		Executor:       defaultExecutor(log.New(log.Writer(), "[Executor] ", log.LstdFlags)),
		Audit:          auditSink,
		SessionTimeout: cfg.Session.SessionTimeout.Duration(),
	})

	var collectors *metrics.Collectors
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		collectors, metricsHandler = metrics.New()
	}

	txWindow := txfreeze.SigningWindowFor(cfg.Session.TransactionSafetyMargin.Duration())
	wireServer := wire.NewServer(wire.Config{
		Manager:           manager,
		Metrics:           collectors,
		TransactionWindow: txWindow,
		Limiter: &wire.RateLimitConfig{
			MaxAttempts:   cfg.RateLimit.MaxAttempts,
			Window:        cfg.RateLimit.Window.Duration(),
			BlockDuration: cfg.RateLimit.BlockDuration.Duration(),
		},
	})

	health.set(storeLabel, cfg.Audit.Backend)

	addr := fmt.Sprintf("%s:%d", cfg.Server.ListenHost, cfg.Server.ListenPort)

	mux := http.NewServeMux()
	mux.Handle("/ws", wireServer)
	mux.Handle("/sessions", wire.NewSessionHandler(manager, addr, txWindow, collectors, nil))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(health.ToJSON())
	})
	if cfg.Metrics.Enabled && metricsHandler != nil {
		mux.Handle(cfg.Metrics.Path, metricsHandler)
	}

	httpServer := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Printf("multisig-coordinatord listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Printf("shutting down multisig-coordinatord...")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}
	if err := auditSink.Close(); err != nil {
		log.Printf("audit sink close error: %v", err)
	}

	log.Printf("multisig-coordinatord stopped")
}

// buildStore constructs the configured session store backend, falling
// back to an embedded MemoryStore (with an optional cometbft-db
// snapshot tier) when replicated_kv is not selected.
func buildStore(ctx context.Context, cfg *config.Config) (store.Store, string) {
	retention := cfg.Session.RetentionAfterTerminal.Duration()

	if cfg.Store.Backend == "replicated_kv" && cfg.Store.Firestore.Enabled {
		fs, err := store.NewFirestoreStore(ctx, store.FirestoreConfig{
			ProjectID:              cfg.Store.Firestore.ProjectID,
			CredentialsFile:        cfg.Store.Firestore.CredentialsFile,
			RetentionAfterTerminal: retention,
		})
		if err != nil {
			log.Printf("firestore store unavailable, falling back to memory: %v", err)
		} else {
			return fs, "replicated_kv"
		}
	}

	var opts []store.MemoryStoreOption
	if cfg.Store.SnapshotPath != "" {
		snap, err := kvdb.Open("sessions", cfg.Store.SnapshotPath)
		if err != nil {
			log.Printf("snapshot tier unavailable, continuing without crash recovery: %v", err)
		} else {
			opts = append(opts, store.WithSnapshot(snap))
		}
	}
	return store.NewMemoryStore(retention, opts...), "memory"
}

func printHelp() {
	fmt.Println("multisig-coordinatord: threshold multi-signature session coordinator")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  multisig-coordinatord --config config.yaml")
	fmt.Println()
	flag.PrintDefaults()
}
