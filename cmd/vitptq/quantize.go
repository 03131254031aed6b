package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/vitptq/internal/dataset"
	"github.com/samcharles93/vitptq/internal/graph"
	"github.com/samcharles93/vitptq/internal/pipeline"
	"github.com/samcharles93/vitptq/internal/runtime"
	"github.com/samcharles93/vitptq/internal/vit"
)

func quantizeCmd(cfg Config) *cli.Command {
	def := pipeline.DefaultConfig()
	var (
		modelPath   string
		model       string
		degree      int64
		bitsAct     int64
		bitsWt      int64
		out         string
		numCalib    int64
		blockInput  string
		blockOutput string
		evaluate    bool
		compress    bool
		seed        int64
	)

	return &cli.Command{
		Name:  "quantize",
		Usage: "Export, quantize and collect first-block attention activations",
		Flags: append(dataFlags(),
			&cli.StringFlag{
				Name:        "model-path",
				Usage:       "pretrained checkpoint (.pth, .pt, .safetensors)",
				Destination: &modelPath,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "model",
				Usage:       fmt.Sprintf("architecture %v", vit.Archs()),
				Value:       def.Model,
				Destination: &model,
			},
			&cli.Int64Flag{
				Name:        "degree",
				Usage:       "Taylor attention degree (1 or 2)",
				Value:       int64(def.Degree),
				Destination: &degree,
			},
			&cli.Int64Flag{
				Name:        "bits-act",
				Usage:       "activation bit width (only 8 is supported)",
				Value:       8,
				Destination: &bitsAct,
			},
			&cli.Int64Flag{
				Name:        "bits-wt",
				Usage:       "weight bit width (only 8 is supported)",
				Value:       8,
				Destination: &bitsWt,
			},
			&cli.StringFlag{
				Name:        "out",
				Usage:       "output directory",
				Value:       def.Out,
				Destination: &out,
			},
			&cli.Int64Flag{
				Name:        "num-calib",
				Usage:       "number of calibration samples",
				Value:       int64(def.NumCalib),
				Destination: &numCalib,
			},
			&cli.StringFlag{
				Name:        "block-input",
				Usage:       "tensor where the inspected attention region starts",
				Value:       graph.DefaultBlockInput,
				Destination: &blockInput,
			},
			&cli.StringFlag{
				Name:        "block-output",
				Usage:       "tensor where the inspected attention region ends",
				Value:       graph.DefaultBlockOutput,
				Destination: &blockOutput,
			},
			&cli.BoolFlag{
				Name:        "evaluate",
				Usage:       "measure top-1 accuracy of the quantized model",
				Destination: &evaluate,
			},
			&cli.BoolFlag{
				Name:        "compress",
				Usage:       "deflate activation archives",
				Destination: &compress,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "seed for parameters missing from the checkpoint",
				Destination: &seed,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyQuantizeConfig(cmd, cfg, &out, &numCalib, &blockInput, &blockOutput)

			kind, err := dataset.ParseKind(dataSet)
			if err != nil {
				return err
			}
			dev, err := runtime.NormalizeDevice(device)
			if err != nil {
				return err
			}
			_, err = pipeline.Run(ctx, pipeline.Config{
				ModelPath: modelPath,
				Model:     model,
				Degree:    int(degree),
				BitsAct:   int(bitsAct),
				BitsWt:    int(bitsWt),
				BatchSize: int(batchSize),
				ImgSize:   int(imgSize),
				Workers:   int(workers),
				Out:       out,
				DataPath:  dataPath,
				DataSet:   kind,
				NumCalib:  int(numCalib),
				Device:    dev,
				Landmarks: graph.Landmarks{BlockInput: blockInput, BlockOutput: blockOutput},
				Evaluate:  evaluate,
				Compress:  compress,
				Seed:      seed,
			})
			return err
		},
	}
}
