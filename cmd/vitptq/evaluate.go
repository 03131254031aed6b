package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/vitptq/internal/dataset"
	"github.com/samcharles93/vitptq/internal/eval"
	"github.com/samcharles93/vitptq/internal/logger"
	"github.com/samcharles93/vitptq/internal/runtime"
)

func evaluateCmd(cfg Config) *cli.Command {
	var (
		onnxPath   string
		maxBatches int64
	)

	return &cli.Command{
		Name:  "evaluate",
		Usage: "Measure top-1 accuracy of an ONNX model on a validation split",
		Flags: append(dataFlags(),
			&cli.StringFlag{
				Name:        "onnx",
				Usage:       "model to evaluate",
				Destination: &onnxPath,
				Required:    true,
			},
			&cli.Int64Flag{
				Name:        "max-batches",
				Usage:       "stop after this many batches (0 = all)",
				Destination: &maxBatches,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyDataConfig(cmd, cfg)
			log := logger.FromContext(ctx)

			kind, err := dataset.ParseKind(dataSet)
			if err != nil {
				return err
			}
			dev, err := runtime.NormalizeDevice(device)
			if err != nil {
				return err
			}
			ds, err := dataset.Build(kind, dataPath, int(imgSize))
			if err != nil {
				return err
			}
			loader, err := dataset.NewLoader(ds, int(batchSize), int(workers))
			if err != nil {
				return err
			}
			log.Info("evaluating", "model", onnxPath, "samples", loader.Len())
			res, err := eval.Top1(ctx, onnxPath, loader, eval.Options{Device: dev, MaxBatches: int(maxBatches)})
			if err != nil {
				return err
			}
			fmt.Printf("[ACC] %s top-1 on %d imgs: %.2f%%\n", onnxPath, res.Total, res.Top1)
			return nil
		},
	}
}
