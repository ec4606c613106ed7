package main

import (
	"context"
	"embed"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polysig/verinode/pkg/log"
	"github.com/polysig/verinode/pkg/sig"
)

//go:embed config/migrations/*/*.sql
var embedMigrations embed.FS

func main() {
	logger := NewLoggerIPFS("root")
	if len(os.Args) > 1 {
		// If a CLI command is provided, run it and exit
		runCli(logger, os.Args[1])
		return
	}

	config, err := LoadConfig(logger)
	if err != nil {
		logger.Fatal("failed to load configuration", "error", err)
	}

	db, err := ConnectToDB(config.dbConf)
	if err != nil {
		logger.Fatal("Failed to setup database", "error", err)
	}

	err = loadSignerKeyCache(db)
	if err != nil {
		logger.Fatal("Failed to load signer key cache", "error", err)
	}

	signer, err := NewSigner(config.privateKeyHex)
	if err != nil {
		logger.Fatal("failed to initialise signer", "error", err)
	}
	logger.Info("node signer initialized", "address", signer.GetAddress().Hex())

	var sigLogConf log.Config
	if err := cleanenv.ReadEnv(&sigLogConf); err != nil {
		logger.Fatal("failed to read verifier log config", "error", err)
	}
	keyDirectory := NewKeyDirectory(db)
	verifier := sig.NewVerifier(
		sig.WithLogger(log.NewZapLogger(sigLogConf)),
		sig.WithKeyResolver(keyDirectory),
	)

	rpcStore := NewRPCStore(db)
	verificationStore := NewVerificationStore(db)

	// Initialize Prometheus metrics
	metrics := NewMetrics()

	authManager, err := NewAuthManager(signer.GetPrivateKey())
	if err != nil {
		logger.Fatal("failed to initialize auth manager", "error", err)
	}

	rpcNode := NewRPCNode(signer, logger)
	wsNotifier := NewWSNotifier(rpcNode.Notify, logger)

	NewRPCRouter(rpcNode, config, signer, verifier, keyDirectory, verificationStore, db, authManager, metrics, rpcStore, wsNotifier, logger)

	rpcListenAddr := ":8000"
	rpcListenEndpoint := "/ws"
	rpcMux := http.NewServeMux()
	rpcMux.HandleFunc(rpcListenEndpoint, rpcNode.HandleConnection)

	rpcServer := &http.Server{
		Addr:    rpcListenAddr,
		Handler: rpcMux,
	}

	metricsListenAddr := ":4242"
	metricsEndpoint := "/metrics"
	// Set up a separate mux for metrics
	metricsMux := http.NewServeMux()
	metricsMux.Handle(metricsEndpoint, promhttp.Handler())

	// Start metrics server on a separate port
	metricsServer := &http.Server{
		Addr:    metricsListenAddr,
		Handler: metricsMux,
	}

	// Start metrics monitoring
	go metrics.RecordMetricsPeriodically(db, logger)

	go func() {
		logger.Info("Prometheus metrics available", "listenAddr", metricsListenAddr, "endpoint", metricsEndpoint)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failure", "error", err)
		}
	}()

	// Start the main HTTP server.
	go func() {
		logger.Info("RPC server available", "listenAddr", rpcListenAddr, "endpoint", rpcListenEndpoint)
		if err := rpcServer.ListenAndServe(); err != nil {
			logger.Fatal("RPC server failure", "error", err)
		}
	}()

	// Wait for shutdown signal.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")

	// Shutdown metrics server
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Error("failed to shut down metrics server", "error", err)
	}

	// Shutdown RPC server
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rpcServer.Shutdown(ctx); err != nil {
		logger.Error("failed to shut down RPC server", "error", err)
	}

	logger.Info("shutdown complete")
}

func runCli(logger Logger, name string) {
	switch name {
	case "export-verifications":
		runExportVerificationsCli(logger)
	default:
		logger.Fatal("Unknown CLI command", "name", name)
	}
}
