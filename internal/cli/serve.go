package cli

import (
	"github.com/spf13/cobra"

	"github.com/tsawler/go-netgraph/config"
	"github.com/tsawler/go-netgraph/server"
	"github.com/tsawler/go-netgraph/training"
)

func newServeCmd() *cobra.Command {
	var (
		flags     imageFlags
		addr      string
		uploadDir string
		maxUpload int64
	)
	cmd := &cobra.Command{
		Use:   "serve [model-dir]",
		Short: "Serve uploads, and predictions when a model directory is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := loggerFromContext(ctx)
			opts := []server.Option{
				server.WithLogger(logger),
				server.WithUploadDir(uploadDir),
				server.WithMaxUploadSize(maxUpload),
			}
			if len(args) == 0 {
				srv, err := server.New(opts...)
				if err != nil {
					return err
				}
				return server.ListenAndServe(ctx, addr, srv, logger)
			}

			labels, err := flags.labels()
			if err != nil {
				return err
			}
			m, err := training.Load(args[0], training.WithLogger(logger))
			if err != nil {
				return err
			}
			return training.Use(m, func(m *training.Model) error {
				if err := compileFromConfig(m, config.Default()); err != nil {
					return err
				}
				p, err := flags.pipeline(m.Spec())
				if err != nil {
					return err
				}
				srv, err := server.New(append(opts, server.WithModel(m, p, labels))...)
				if err != nil {
					return err
				}
				logger.Info("serving model", "dir", args[0], "parameters", training.FormatParameterCount(m.Spec().TotalParameters))
				return server.ListenAndServe(ctx, addr, srv, logger)
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&addr, "addr", ":8000", "listen address")
	cmd.Flags().StringVar(&uploadDir, "upload-dir", "uploads", "where uploaded files are stored")
	cmd.Flags().Int64Var(&maxUpload, "max-upload", server.DefaultMaxUploadSize, "request body limit in bytes")
	return cmd
}
