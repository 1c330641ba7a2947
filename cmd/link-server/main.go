package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hoodlink/hoodlink-server/internal/api"
	"github.com/hoodlink/hoodlink-server/internal/arbiter"
	"github.com/hoodlink/hoodlink-server/internal/cloud"
	"github.com/hoodlink/hoodlink-server/internal/config"
	"github.com/hoodlink/hoodlink-server/internal/pairing"
	"github.com/hoodlink/hoodlink-server/internal/server"
	"github.com/hoodlink/hoodlink-server/internal/storage"
	"github.com/hoodlink/hoodlink-server/internal/token"
	"github.com/hoodlink/hoodlink-server/pkg/crypto"
	"github.com/hoodlink/hoodlink-server/pkg/deviceproto"
)

func main() {
	// Command line flags
	var configFile string
	var hashPassword string
	flag.StringVar(&configFile, "config", "config/link-server.yml", "Configuration file path")
	flag.StringVar(&hashPassword, "hash-password", "", "Print a bcrypt hash for api.password_hash and exit")
	flag.Parse()

	if hashPassword != "" {
		hash, err := crypto.HashPassword(hashPassword)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Connect to database
	secretKey, err := encryptionKey(cfg.Storage.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid storage encryption key")
	}
	if secretKey == nil {
		log.Warn().Msg("Storage encryption key not set, credentials stored in plaintext")
	}

	if cfg.JWT.Secret == "" {
		secret, err := crypto.GenerateRandomString(32)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to generate JWT secret")
		}
		cfg.JWT.Secret = secret
		log.Warn().Msg("jwt.secret not set, generated one; operator sessions will not survive a restart")
	}

	store, err := storage.NewPostgresStore(cfg.Database.DSN, secretKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer store.Close()

	log.Info().Msg("Connected to database")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional: connect to NATS for UI event streaming
	var pairingPub pairing.Publisher
	var devicePub arbiter.Publisher

	if cfg.NATS.URL != "" {
		log.Info().Str("url", cfg.NATS.URL).Msg("Connecting to NATS...")

		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("hoodlink-link-server"),
			nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
			nats.ReconnectWait(cfg.NATS.ReconnectInterval),
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				log.Warn().Err(err).Msg("Disconnected from NATS")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info().Msg("Reconnected to NATS")
			}),
		)

		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without event streaming")
		} else {
			defer nc.Close()
			log.Info().Msg("Connected to NATS")

			pub := server.NewEventPublisher(nc)
			pairingPub = pub
			devicePub = pub
		}
	} else {
		log.Info().Msg("NATS not configured, event streaming disabled")
	}

	// Wire services
	cloudClient := cloud.NewClient(cfg.Cloud)
	resolver := cloud.NewResolver(cfg.Cloud, cloud.DefaultFamilyTable())
	tokens := token.NewManager(store, cloudClient, cfg.Token.RefreshMargin)
	pairings := pairing.NewManager(cloudClient, resolver, store, pairingPub, nil, cfg.Pairing)

	dialer := deviceproto.NewDialer(cfg.Cloud.RequestTimeout)
	arb := arbiter.New(store, dialer, resolver, tokens, devicePub, cfg.Local.ConnectTimeout)

	// WaitGroup for services
	var wg sync.WaitGroup

	// Start REST API server
	apiServer := api.NewRESTServer(cfg, store, pairings, tokens, arb)

	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		log.Info().Str("addr", addr).Msg("Starting REST API server")
		if err := apiServer.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("REST API server failed")
		}
	}()

	// Background maintenance: keep tokens fresh ahead of expiry and
	// drop finished pairing sessions.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.Token.MaintainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tokens.MaintainAll(ctx)
				pairings.Prune(time.Hour)
			}
		}
	}()

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	// Cancel context
	cancel()

	// Shutdown API server
	if err := apiServer.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
	}

	// Wait for all services
	wg.Wait()

	log.Info().Msg("Link server stopped")
}

// encryptionKey decodes the configured at-rest key. Hex-encoded
// AES-256 keys are accepted alongside raw 16/24/32 byte strings.
func encryptionKey(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if len(s) == 64 {
		return hex.DecodeString(s)
	}
	switch len(s) {
	case 16, 24, 32:
		return []byte(s), nil
	}
	return nil, fmt.Errorf("key must be 16, 24 or 32 bytes (or 64 hex chars), got %d", len(s))
}
