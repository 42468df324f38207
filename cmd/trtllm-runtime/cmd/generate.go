// generate.go - "generate" Command Handler: treibt eine einzelne Anfrage
// bis zum Abschluss durch den Session Driver.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/trtllm-go/runtime/envconfig"
	"github.com/trtllm-go/runtime/session"
)

func newGenerateCmd() *cobra.Command {
	var maxNewTokens int
	var endID int32

	cmd := &cobra.Command{
		Use:   "generate <comma-separated-token-ids>",
		Short: "Run a single request through the scheduler against the reference engine",
		Args:  cobra.ExactArgs(1),
	}

	engine := addEngineFlags(cmd)
	sampler := addSamplingFlags(cmd)
	cmd.Flags().IntVar(&maxNewTokens, "max-new-tokens", 16, "maximum number of tokens to decode")
	cmd.Flags().Int32Var(&endID, "end-id", -1, "token id that ends decoding early")

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: envconfig.LogLevel()})))
		return nil
	}

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args[0])
		if err != nil {
			return err
		}

		driver, err := engine.newDriver()
		if err != nil {
			return fmt.Errorf("setting up driver: %w", err)
		}

		reqID := uuid.New()
		slog.Info("submitting request", "request_id", reqID, "prompt_len", len(ids), "beam_width", sampler.beamWidth)

		result, err := driver.Generate(context.Background(), session.Request{
			InputIDs:       ids,
			MaxNewTokens:   maxNewTokens,
			EndID:          endID,
			SamplingConfig: sampler.config(),
			OnToken: func(outputIDs []int32, step int, finished bool) {
				slog.Debug("step complete", "request_id", reqID, "step", step, "finished", finished, "new_tokens", formatIDs(outputIDs))
			},
		})
		if err != nil {
			return fmt.Errorf("generate: %w", err)
		}

		slog.Info("request finished", "request_id", reqID, "steps", result.Steps)
		fmt.Println(formatIDs(result.OutputIDs))
		return nil
	}

	return cmd
}
