package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"cryptoview/config"
	"cryptoview/internal/app"
	"cryptoview/logger"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	flags := pflag.NewFlagSet("cryptoview", pflag.ExitOnError)
	flags.String("config", "", "path to config.yaml")
	flags.StringSlice("symbols", nil, "exchange-rate watchlist symbols")
	flags.String("env", "", "environment: dev or prod (prod reads API keys from SSM)")
	flags.String("log-level", "", "log level")

	var opts app.Options
	flags.StringVar(&opts.Exchange, "exchange", "", "exchange id to open (default: first exchange)")
	flags.StringVar(&opts.Market, "market", "", "market to load trades for, e.g. BTC/USD")
	flags.BoolVar(&opts.Validate, "validate", false, "probe exchanges for markets before selecting one")
	flags.BoolVar(&opts.Watch, "watch", false, "keep polling the watchlist until interrupted")
	flags.BoolVar(&opts.SkipRate, "no-rates", false, "skip the exchange-rate watchlist")
	_ = flags.Parse(os.Args[1:])

	// viper config
	cfg := config.Load(flags)

	// zap logger
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Secrets.Environment == "prod" {
		ssmClient, err := config.NewSSMClient(ctx)
		if err != nil {
			log.Fatal("failed to create ssm client", zap.Error(err))
		}
		if err := cfg.ResolveAPIKeys(ctx, ssmClient); err != nil {
			log.Fatal("failed to resolve api keys", zap.Error(err))
		}
	}

	if err := app.Run(ctx, cfg, opts, log); err != nil {
		log.Fatal("cryptoview failed", zap.Error(err))
	}
}
