package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/vitptq/internal/npz"
	"github.com/samcharles93/vitptq/internal/pipeline"
)

func inspectCmd() *cli.Command {
	var npzPath string

	return &cli.Command{
		Name:      "inspect",
		Usage:     "List the arrays of an activation archive",
		ArgsUsage: "[archive.npz]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "npz",
				Usage:       "archive to inspect",
				Value:       "ptq_out/" + pipeline.FloatActivationsFile,
				Destination: &npzPath,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := npzPath
			if cmd.Args().Len() > 0 {
				path = cmd.Args().First()
			}
			entries, err := npz.List(path)
			if err != nil {
				return err
			}
			return printEntries(os.Stdout, entries)
		},
	}
}

func printEntries(w io.Writer, entries []npz.Entry) error {
	if _, err := fmt.Fprintf(w, "%d arrays:\n", len(entries)); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := fmt.Fprintf(w, "%-60s shape=%s, dtype=%s\n", e.Name, e.ShapeString(), e.DType); err != nil {
			return err
		}
	}
	return nil
}
