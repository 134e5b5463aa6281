package main

import (
	"os"
	"path"

	"github.com/Tyrowin/wsrelay/internal/observability"
	"github.com/Tyrowin/wsrelay/internal/server"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := server.LoadConfig(".env")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := observability.InitLogger(path.Base(os.Args[0]), cfg.LogLevel, cfg.LogFormat)
	logger.Info().Str("addr", cfg.Addr()).Msg("starting relay server")

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create relay server")
	}

	if err := srv.ListenAndServe(); err != nil {
		logger.Fatal().Err(err).Msg("relay server exited")
	}
}
