package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"multiquery/internal/config"
	"multiquery/internal/query"
	"multiquery/internal/service"
)

// Read-only ERC-20 fragment for the demo token queries.
const erc20ABIString = `[{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},{"constant":true,"inputs":[],"name":"totalSupply","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

var (
	erc20ABI     *abi.ABI
	erc20ABIOnce sync.Once
)

func getERC20ABI() *abi.ABI {
	erc20ABIOnce.Do(func() {
		parsed, err := abi.JSON(strings.NewReader(erc20ABIString))
		if err != nil {
			panic(err)
		}
		erc20ABI = &parsed
	})
	return erc20ABI
}

func main() {
	// Parse flags
	configPath := flag.String("config", "config.json", "path to config file")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Basic logger for startup errors
		log := zerolog.New(os.Stderr).With().Timestamp().Logger()
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel)
	logger.Info().
		Str("config", *configPath).
		Str("rpc", cfg.RPCURL).
		Str("ws", cfg.WSURL).
		Int("tokens", len(cfg.Tokens)).
		Msg("starting multiquery")

	svc, err := service.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create service")
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := svc.Start(startCtx); err != nil {
		startCancel()
		logger.Fatal().Err(err).Msg("failed to start service")
	}
	startCancel()

	// Log every new block
	unsubBlocks := svc.Notifier().Subscribe(func(block uint64) {
		logger.Info().Uint64("block", block).Msg("new head")
	})
	defer unsubBlocks()

	// Watch each configured token; all queries share one multicall batch
	var stops []func()
	for _, token := range cfg.Tokens {
		addr := common.HexToAddress(token)
		q := tokenQuery(addr)
		tokenLogger := logger.With().Str("token", addr.Hex()).Logger()
		stop, err := svc.Watch(q, query.Options{BlocksPerFetch: cfg.BlocksPerFetch}, func(values map[string]interface{}, failed bool, watchErr error) {
			if failed {
				tokenLogger.Warn().Err(watchErr).Msg("refresh failed, values held")
				return
			}
			tokenLogger.Info().
				Interface("symbol", values["symbol"]).
				Interface("decimals", values["decimals"]).
				Interface("totalSupply", values["totalSupply"]).
				Msg("token state")
		})
		if err != nil {
			logger.Fatal().Err(err).Str("token", token).Msg("failed to watch token")
		}
		stops = append(stops, stop)
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	for _, stop := range stops {
		stop()
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := svc.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}

// tokenQuery builds the read set for one ERC-20 token.
func tokenQuery(token common.Address) *query.Query {
	call := func(method string, def interface{}) query.Call {
		return query.Call{
			Target:  token,
			Method:  method,
			Default: def,
			ABI:     getERC20ABI,
		}
	}
	return query.New().
		Add("symbol", call("symbol", "")).
		Add("decimals", call("decimals", uint8(0))).
		Add("totalSupply", call("totalSupply", nil))
}

// setupLogger configures the zerolog logger
func setupLogger(level string) zerolog.Logger {
	// Set log level
	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)

	// Configure output
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(output).With().Timestamp().Logger()
}
