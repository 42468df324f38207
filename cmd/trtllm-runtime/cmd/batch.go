// batch.go - "batch" Command Handler: treibt mehrere Anfragen gemeinsam
// durch den Session Driver, eine Belegung pro Slot.
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

func newBatchCmd() *cobra.Command {
	var maxNewTokens int
	var endID int32
	var prompts []string

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run several requests concurrently against one scheduler's slot pool",
	}

	engine := addEngineFlags(cmd)
	sampler := addSamplingFlags(cmd)
	cmd.Flags().StringArrayVar(&prompts, "prompt", nil, "comma-separated token ids for one request (repeatable)")
	cmd.Flags().IntVar(&maxNewTokens, "max-new-tokens", 16, "maximum number of tokens to decode, per request")
	cmd.Flags().Int32Var(&endID, "end-id", -1, "token id that ends decoding early")

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: envconfig.LogLevel()})))
		if len(prompts) == 0 {
			return fmt.Errorf("at least one --prompt is required")
		}
		return nil
	}

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		driver, err := engine.newDriver()
		if err != nil {
			return fmt.Errorf("setting up driver: %w", err)
		}

		reqs := make([]session.Request, len(prompts))
		ids := make([]uuid.UUID, len(prompts))
		for i, p := range prompts {
			tokens, err := parseIDs(p)
			if err != nil {
				return fmt.Errorf("prompt %d: %w", i, err)
			}
			id := uuid.New()
			ids[i] = id
			reqs[i] = session.Request{
				InputIDs:       tokens,
				MaxNewTokens:   maxNewTokens,
				EndID:          endID,
				SamplingConfig: sampler.config(),
				OnToken: func(outputIDs []int32, step int, finished bool) {
					slog.Debug("step complete", "request_id", id, "step", step, "finished", finished)
				},
			}
		}

		slog.Info("submitting batch", "num_requests", len(reqs), "max_batch_size", engine.maxBatchSize)

		results, err := driver.GenerateBatch(context.Background(), reqs)
		if err != nil {
			return fmt.Errorf("generate batch: %w", err)
		}

		for i, r := range results {
			slog.Info("request finished", "request_id", ids[i], "steps", r.Steps)
			fmt.Printf("%s\t%s\n", ids[i], formatIDs(r.OutputIDs))
		}
		return nil
	}

	return cmd
}
