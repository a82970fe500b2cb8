package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagecapture/internal/capture"
	"github.com/JakeFAU/pagecapture/internal/server"
)

type renderOptions struct {
	output    string
	landscape bool
	tags      map[string]string
}

func newRenderCmd() *cobra.Command {
	opts := &renderOptions{}
	cmd := &cobra.Command{
		Use:   "render URL",
		Short: "Captures one URL to a local PDF",
		Long: `Runs a single URL through the configured strategy chain without the
queue or the HTTP API and writes the artifact to a local file. Useful for
checking how a page falls through the strategies.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRender(cmd, args[0], opts)
		},
	}
	cmd.Flags().StringVarP(&opts.output, "output", "o", "capture.pdf", "output file")
	cmd.Flags().BoolVar(&opts.landscape, "landscape", false, "landscape page orientation")
	cmd.Flags().StringToStringVar(&opts.tags, "tag", nil, "job tags as key=value")
	return cmd
}

func runRender(cmd *cobra.Command, rawURL string, opts *renderOptions) (err error) {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	app, err := server.Build(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() {
		if cerr := app.Close(context.Background()); cerr != nil && err == nil {
			err = cerr
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out, err := os.Create(opts.output)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	ref, err := app.Render(ctx, capture.JobInput{
		URL:       strings.TrimSpace(rawURL),
		Landscape: opts.landscape,
		Tags:      opts.tags,
	}, out)
	if cerr := out.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close output: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(opts.output)
		if errors.Is(err, context.Canceled) {
			return errors.New("render interrupted")
		}
		return err
	}
	app.Logger().Info("artifact written",
		zap.String("path", opts.output),
		zap.String("strategy", ref.Strategy),
		zap.Bool("degraded", ref.Degraded),
		zap.Int64("bytes", ref.Size),
	)
	return nil
}
