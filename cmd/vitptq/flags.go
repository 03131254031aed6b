package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/vitptq/internal/dataset"
	"github.com/samcharles93/vitptq/internal/runtime"
)

var (
	dataPath  string
	dataSet   string
	imgSize   int64
	batchSize int64
	workers   int64
	device    string
	logLevel  string
	logFormat string
	debug     bool
)

func dataFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "data-path",
			Usage:       "dataset root",
			Destination: &dataPath,
		},
		&cli.StringFlag{
			Name:        "data-set",
			Usage:       "dataset layout (CIFAR, IMNET, INAT, INAT19)",
			Value:       string(dataset.DefaultKind),
			Destination: &dataSet,
		},
		&cli.Int64Flag{
			Name:        "img-size",
			Usage:       "input image size",
			Value:       224,
			Destination: &imgSize,
		},
		&cli.Int64Flag{
			Name:        "batch-size",
			Usage:       "batch size",
			Value:       64,
			Destination: &batchSize,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Usage:       "parallel image decoders per batch",
			Value:       4,
			Destination: &workers,
		},
		&cli.StringFlag{
			Name:        "device",
			Usage:       "execution device (" + runtime.Available() + ")",
			Value:       string(runtime.Auto),
			Destination: &device,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
