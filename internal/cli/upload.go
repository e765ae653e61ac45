package cli

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-netgraph/client"
)

func newUploadCmd() *cobra.Command {
	var (
		cfg         = client.DefaultConfig()
		description string
		predict     bool
	)
	cmd := &cobra.Command{
		Use:   "upload [file]",
		Short: "Send an image to a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := loggerFromContext(ctx)
			out := ui{w: cmd.OutOrStdout()}
			c := client.New(cfg, logger)

			if predict {
				p, err := c.Predict(ctx, args[0])
				if err != nil {
					return err
				}
				out.title("Prediction " + filepath.Base(args[0]))
				rows := make([][]string, len(p.Top))
				for i, s := range p.Top {
					rows[i] = []string{fmt.Sprint(s.Class), s.Label, fmt.Sprintf("%.4f", s.Probability)}
				}
				out.table([]string{"class", "label", "probability"}, rows)
				return nil
			}

			if description == "" {
				description = filepath.Base(args[0])
			}
			last := time.Time{}
			reply, err := c.Upload(ctx, description, args[0], func(sent, total int64) {
				if sent < total && time.Since(last) < 100*time.Millisecond {
					return
				}
				last = time.Now()
				logger.Debug("upload", "sent", sent, "total", total, "percent", fmt.Sprintf("%.0f%%", 100*float64(sent)/float64(max(total, 1))))
			})
			if err != nil {
				return err
			}
			out.success("%s", strings.TrimSpace(reply))
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.BaseURL, "url", cfg.BaseURL, "server base URL")
	cmd.Flags().DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "per-request timeout")
	cmd.Flags().IntVar(&cfg.RetryAttempts, "retries", cfg.RetryAttempts, "attempts before giving up")
	cmd.Flags().StringVarP(&description, "description", "d", "", "upload description (default: the file name)")
	cmd.Flags().BoolVar(&predict, "predict", false, "ask the server to classify the image instead of storing it")
	return cmd
}
