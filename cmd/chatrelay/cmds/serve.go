package cmds

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatrelay/pkg/config"
	"github.com/go-go-golems/chatrelay/pkg/identity"
	"github.com/go-go-golems/chatrelay/pkg/inference"
	"github.com/go-go-golems/chatrelay/pkg/logging"
	"github.com/go-go-golems/chatrelay/pkg/persistence/roomstore"
	"github.com/go-go-golems/chatrelay/pkg/prompts"
	"github.com/go-go-golems/chatrelay/pkg/redisstream"
	"github.com/go-go-golems/chatrelay/pkg/relay"
	"github.com/go-go-golems/chatrelay/pkg/tools/fetch"
	"github.com/go-go-golems/chatrelay/pkg/webchat"
)

func NewServeCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat relay gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Serve(ctx, flags.Config())
		},
	}
}

// Serve runs the gateway until ctx is done.
func Serve(ctx context.Context, cfg *config.Config) error {
	logger := log.Logger

	store, err := roomstore.Open(ctx, cfg.StoreSettings())
	if err != nil {
		return errors.Wrap(err, "open room store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("room store close error")
		}
	}()

	llm, err := inference.New(cfg.InferenceSettings())
	if err != nil {
		return errors.Wrap(err, "build inference client")
	}
	if _, ok := llm.(inference.Unavailable); ok {
		logger.Warn().Msg("no inference provider configured, every message will be answered with an error")
	}

	transport, err := redisstream.Build(cfg.StreamSettings(), logging.NewWatermill(logger))
	if err != nil {
		return errors.Wrap(err, "build frame transport")
	}
	defer func() {
		if err := transport.Close(); err != nil {
			logger.Error().Err(err).Msg("frame transport close error")
		}
	}()

	resolver, err := identity.NewResolver(cfg.IdentitySettings(), logger)
	if err != nil {
		return errors.Wrap(err, "build identity resolver")
	}
	if resolver.Verifier() == nil {
		logger.Warn().Msg("auth.jwt_secret is empty, anonymous rooms cannot be resumed")
	}

	// Jobs outlive the signal context so an in-flight pipeline finishes
	// while the listener drains.
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()

	pool := webchat.NewConnectionPool(cfg.Server.WriteTimeout, logger)
	hub, err := webchat.NewStreamHub(webchat.StreamHubConfig{
		BaseCtx:   runCtx,
		Transport: transport,
		Pool:      pool,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	models := cfg.Models()
	registry, err := relay.NewRegistry(runCtx, relay.Options{
		Store:           store,
		LLM:             llm,
		Models:          models,
		Tools:           []relay.Tool{fetch.NewExecutor(llm, models.Secondary, cfg.FetchConfig())},
		Sink:            hub,
		Instructions:    prompts.Conversation(),
		MaxTokens:       cfg.Inference.MaxTokens,
		ReasoningEffort: cfg.Inference.ReasoningEffort,
		Logger:          logger,
	})
	if err != nil {
		return errors.Wrap(err, "build relay registry")
	}
	registry.SetLifecycle(hub)
	registry.SetEvictionConfig(cfg.Rooms.EvictIdle, cfg.Rooms.EvictInterval)

	gateway := webchat.NewGateway(webchat.GatewayConfig{
		Registry:       registry,
		Pool:           pool,
		Resolver:       resolver,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		PingInterval:   cfg.Server.PingInterval,
		Logger:         logger,
	})
	srv, err := webchat.NewServer(webchat.ServerConfig{
		Addr:            cfg.Server.Addr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Gateway:         gateway,
		Transcript:      webchat.NewTranscriptHandler(store, resolver, logger),
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	logger.Info().
		Str("provider", cfg.Inference.Provider).
		Str("primary_model", models.Primary).
		Str("secondary_model", models.Secondary).
		Str("storage", cfg.Storage.Driver).
		Bool("redis_stream", transport.Redis()).
		Msg("chatrelay configured")

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		registry.StartEvictionLoop(egCtx)
		<-egCtx.Done()
		return nil
	})
	eg.Go(func() error { return srv.Run(egCtx) })

	err = eg.Wait()
	pool.CloseAll()
	hub.Close()
	log.Info().Int("rooms", registry.Len()).Msg("chatrelay stopped")
	return err
}
