package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/vitptq/internal/logger"
)

func main() {
	cfg := LoadConfig()
	app := &cli.Command{
		Name:           "vitptq",
		Usage:          "Post-training static quantization of vision transformers",
		Flags:          loggingFlags(),
		DefaultCommand: "quantize",
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			applyLoggingConfig(cmd, cfg)
			level := logLevel
			if debug {
				level = "debug"
			}
			return logger.WithContext(ctx, logger.Setup(os.Stderr, logFormat, level)), nil
		},
		Commands: []*cli.Command{
			quantizeCmd(cfg),
			evaluateCmd(cfg),
			inspectCmd(),
			compareCmd(cfg),
			serveCmd(cfg),
			versionCmd(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := app.Run(ctx, os.Args)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
