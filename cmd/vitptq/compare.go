package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/vitptq/internal/compare"
	"github.com/samcharles93/vitptq/internal/npz"
	"github.com/samcharles93/vitptq/internal/pipeline"
)

func compareCmd(cfg Config) *cli.Command {
	var (
		dir        string
		floatPath  string
		quantPath  string
		quantModel string
		asJSON     bool
	)

	return &cli.Command{
		Name:  "compare",
		Usage: "Compare float and quantized activation archives",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "dir",
				Usage:       "pipeline output directory used for unset paths",
				Value:       pipeline.DefaultConfig().Out,
				Destination: &dir,
			},
			&cli.StringFlag{
				Name:        "float",
				Usage:       "float activation archive",
				Destination: &floatPath,
			},
			&cli.StringFlag{
				Name:        "quant",
				Usage:       "quantized activation archive",
				Destination: &quantPath,
			},
			&cli.StringFlag{
				Name:        "quant-model",
				Usage:       "quantized model holding scales and zero points",
				Destination: &quantModel,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the report as JSON",
				Destination: &asJSON,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cfg.Out != "" && !cmd.IsSet("dir") {
				dir = cfg.Out
			}
			art := pipeline.ArtifactsIn(dir)
			if floatPath == "" {
				floatPath = art.FloatActivations
			}
			if quantPath == "" {
				quantPath = art.QuantActivations
			}
			if quantModel == "" {
				if _, err := os.Stat(art.Quantized); err == nil {
					quantModel = art.Quantized
				}
			}

			fa, err := npz.Read(floatPath)
			if err != nil {
				return err
			}
			qa, err := npz.Read(quantPath)
			if err != nil {
				return err
			}
			var params compare.Params
			if quantModel != "" {
				if params, err = compare.ParamsFromFile(quantModel); err != nil {
					return err
				}
			}
			report := compare.Compare(fa, qa, params)

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Float string `json:"float"`
					Quant string `json:"quant"`
					compare.Report
				}{filepath.Base(floatPath), filepath.Base(quantPath), report})
			}
			return report.Write(os.Stdout)
		},
	}
}
