// sandboxd runs the simulated brokerage core as a standalone process:
// order manager, execution engine, position/fund manager, squareoff
// manager, T+1 settlement, and scheduler, all wired against a websocket
// QuoteProvider and an in-memory StaticMeta SymbolMetaProvider.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/algosandbox/core/internal/config"
	"github.com/algosandbox/core/internal/quotes"
	"github.com/algosandbox/core/internal/sandbox"
	"github.com/algosandbox/core/internal/store"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found, using environment variables")
	}

	boot := config.LoadBoot()
	if lvl, err := zerolog.ParseLevel(boot.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	loc, err := boot.Location()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid timezone")
	}

	log.Info().Str("version", version).Str("timezone", boot.Timezone).Msg("sandboxd starting")

	st, err := store.Open(boot.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	feed := quotes.NewWebSocketFeed(os.Getenv("SANDBOX_QUOTE_FEED_URL"))
	feed.Start()
	defer feed.Stop()

	meta := quotes.NewStaticMeta()

	box, err := sandbox.New(sandbox.Deps{
		Store:            st,
		Quotes:           feed,
		Meta:             meta,
		Location:         loc,
		TelegramBotToken: boot.TelegramBotToken,
		TelegramChatID:   boot.TelegramChatID,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to assemble sandbox")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := box.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}

	log.Info().Msg("sandboxd ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()
	box.Stop()
	log.Info().Msg("goodbye")
}
