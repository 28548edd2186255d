package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-orchestrator/internal/signature"
)

// newSignCmd prints the headers a worker would send with a body, for
// exercising the ingest endpoints by hand.
func newSignCmd() *cobra.Command {
	var bodyFile string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Prints X-Signature and X-Timestamp headers for a request body",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			body, err := readBody(cmd, bodyFile)
			if err != nil {
				return err
			}
			sig, ts := signature.Headers(cfg.IngestSecret(), body, time.Now())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s\n", signature.HeaderSignature, sig)
			fmt.Fprintf(out, "%s: %s\n", signature.HeaderTimestamp, ts)
			return nil
		},
	}
	cmd.Flags().StringVarP(&bodyFile, "body", "b", "-", "file holding the exact request body, - for stdin")
	return cmd
}

func readBody(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		body, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return body, nil
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
