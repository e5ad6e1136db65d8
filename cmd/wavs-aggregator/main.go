// Command wavs-aggregator runs the standalone signature aggregator:
// packet ingress over HTTP, quorum tracking against live chain state,
// and combined on-chain submission.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/wavs-labs/wavs/pkg/aggregator"
	"github.com/wavs-labs/wavs/pkg/chain"
	"github.com/wavs-labs/wavs/pkg/config"
	"github.com/wavs-labs/wavs/pkg/keys"
	"github.com/wavs-labs/wavs/pkg/logging"
	"github.com/wavs-labs/wavs/pkg/server"
	"github.com/wavs-labs/wavs/pkg/submission"
	"github.com/wavs-labs/wavs/pkg/telemetry"
	"github.com/wavs-labs/wavs/pkg/types"
)

func main() {
	if err := run(); err != nil {
		slog.Error("aggregator exited", "error", err)
		os.Exit(1)
	}
}

// handlerEntry maps one service manager to its service handler.
type handlerEntry struct {
	Chain   types.ChainName `json:"chain"`
	Address common.Address  `json:"address"`
}

// loadHandlers parses WAVS_HANDLERS: a JSON object from manager key
// ("chain/0xaddress") to the handler contract.
func loadHandlers() (map[string]handlerEntry, error) {
	raw := os.Getenv("WAVS_HANDLERS")
	if raw == "" {
		return nil, errors.New("WAVS_HANDLERS is required")
	}
	var handlers map[string]handlerEntry
	if err := json.Unmarshal([]byte(raw), &handlers); err != nil {
		return nil, fmt.Errorf("parse WAVS_HANDLERS: %w", err)
	}
	return handlers, nil
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(os.Stderr, cfg.LogDirective, cfg.LogJSON)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.New(ctx, &telemetry.Config{
		ServiceName:    "wavs-aggregator",
		ServiceVersion: "0.4.0",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.TelemetryEnabled,
		Insecure:       cfg.TelemetryInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	if cfg.Mnemonic == "" {
		return errors.New("WAVS_MNEMONIC is required")
	}
	keyStore, err := keys.NewStore(cfg.Mnemonic, "")
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer keyStore.Close()

	handlers, err := loadHandlers()
	if err != nil {
		return err
	}

	clients := chain.NewClients(cfg.Chains)
	defer clients.Close()

	sub := submission.New(submission.Config{
		Gas:     submission.GasPolicy{Multiplier: cfg.GasMultiplier, Max: cfg.GasMax},
		Retries: cfg.SubmitRetries,
	}, keyStore, submission.EVMBackends(clients), tel, logger)

	sender := sub.QuorumSender(func(manager types.ServiceManagerRef) (types.ChainName, common.Address, error) {
		entry, ok := handlers[manager.Key()]
		if !ok {
			return "", common.Address{}, fmt.Errorf("no handler configured for %s", manager.Key())
		}
		return entry.Chain, entry.Address, nil
	}, 0)

	agg := aggregator.New(aggregator.Config{
		MaxEnvelopeBytes: cfg.MaxEnvelopeBytes,
		RatePerSec:       cfg.IngestRatePerSec,
		Burst:            cfg.IngestBurst,
		DedupWindow:      cfg.DedupWindow,
		SubmitRetries:    cfg.SubmitRetries,
	}, chain.Weights{Clients: clients}, sender, tel, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /packets", func(w http.ResponseWriter, r *http.Request) {
		var packet types.Packet
		if err := json.NewDecoder(r.Body).Decode(&packet); err != nil {
			server.WriteBadRequest(w, r, "invalid packet body")
			return
		}
		err := agg.Ingest(r.Context(), packet)
		switch {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, aggregator.ErrRateLimited):
			server.WriteTooManyRequests(w, r, err.Error())
		case errors.Is(err, aggregator.ErrPayloadConflict),
			errors.Is(err, aggregator.ErrSignatureConflict):
			server.WriteConflict(w, r, err.Error())
		default:
			server.WriteBadRequest(w, r, err.Error())
		}
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		server.WriteJSON(w, http.StatusOK, map[string]any{"pending": agg.Pending()})
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("packet ingress listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("packet ingress failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("signal received, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	agg.Wait()
	sub.Wait()
	return nil
}
