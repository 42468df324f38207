// engine.go - Gemeinsame Flag-Definitionen und Engine-Aufbau fuer generate/batch
package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/trtllm-go/runtime/envconfig"
	"github.com/trtllm-go/runtime/ml"
	"github.com/trtllm-go/runtime/refengine"
	"github.com/trtllm-go/runtime/sampling"
	"github.com/trtllm-go/runtime/session"
)

// engineFlags haelt die Descriptor/Scheduler-Flags, die generate und batch
// teilen.
type engineFlags struct {
	numLayers, numHeads, numKVHeads, headSize, vocabSize int
	maxBatchSize, maxBeamWidth, maxSeqLen                int
	contextFMHA                                          bool
}

func addEngineFlags(cmd *cobra.Command) *engineFlags {
	f := &engineFlags{}
	cmd.Flags().IntVar(&f.numLayers, "num-layers", 2, "number of transformer layers the descriptor advertises")
	cmd.Flags().IntVar(&f.numHeads, "num-heads", 4, "number of attention heads")
	cmd.Flags().IntVar(&f.numKVHeads, "num-kv-heads", 4, "number of key/value heads (equal to num-heads for MHA, 1 for MQA, in between for GQA)")
	cmd.Flags().IntVar(&f.headSize, "head-size", 16, "per-head dimension")
	cmd.Flags().IntVar(&f.vocabSize, "vocab-size", 256, "vocabulary size the reference engine samples from")
	cmd.Flags().IntVar(&f.maxBatchSize, "max-batch-size", 8, "scheduler slot pool size")
	cmd.Flags().IntVar(&f.maxBeamWidth, "max-beam-width", 4, "scheduler beam width ceiling")
	cmd.Flags().IntVar(&f.maxSeqLen, "max-seq-len", 128, "scheduler maximum sequence length")
	cmd.Flags().BoolVar(&f.contextFMHA, "context-fmha", envconfig.ContextFMHA(true), "advertise fused context attention support to the dispatcher")
	return f
}

func (f *engineFlags) newDriver() (*session.Driver, error) {
	desc := ml.Descriptor{
		NumLayers:      f.numLayers,
		NumHeads:       f.numHeads,
		NumKVHeads:     f.numKVHeads,
		HeadSize:       f.headSize,
		VocabSize:      f.vocabSize,
		MaxBatchSize:   f.maxBatchSize,
		MaxBeamWidth:   f.maxBeamWidth,
		MaxSeqLen:      f.maxSeqLen,
		UseContextFMHA: f.contextFMHA,
		DType:          ml.DTypeF16,
		PosEncoding:    ml.PosEncodingRoPE,
	}
	backend := refengine.NewBackend(desc)
	return session.NewDriver(backend, session.Config{
		MaxBatchSize: f.maxBatchSize,
		MaxBeamWidth: f.maxBeamWidth,
		MaxSeqLen:    f.maxSeqLen,
	})
}

// samplingFlags haelt die Sampling-Config-Flags, die generate und batch
// teilen.
type samplingFlags struct {
	beamWidth   int
	temperature float32
	topK        int32
	topP        float32
	seed        uint64
	seedSet     bool
}

func addSamplingFlags(cmd *cobra.Command) *samplingFlags {
	f := &samplingFlags{}
	cmd.Flags().IntVar(&f.beamWidth, "beam-width", 1, "number of beams (1 disables beam search)")
	cmd.Flags().Float32Var(&f.temperature, "temperature", 0, "sampling temperature (0 selects greedy decoding)")
	cmd.Flags().Int32Var(&f.topK, "top-k", 0, "top-k shortlist size (0 disables)")
	cmd.Flags().Float32Var(&f.topP, "top-p", 0, "nucleus sampling threshold (0 disables)")
	cmd.Flags().Uint64Var(&f.seed, "seed", 0, "random seed for sampling")
	return f
}

func (f *samplingFlags) config() sampling.Config {
	cfg := sampling.Config{BeamWidth: f.beamWidth}
	if f.temperature > 0 {
		cfg.Temperature = sampling.Some(f.temperature)
	}
	if f.topK > 0 {
		cfg.TopK = sampling.Some(f.topK)
	}
	if f.topP > 0 {
		cfg.TopP = sampling.Some(f.topP)
	}
	if f.seed != 0 {
		cfg.RandomSeed = sampling.Some(f.seed)
	}
	return cfg
}

// parseIDs parses a comma-separated list of token ids, the CLI's stand-in
// for a tokenizer since this module has no vocabulary to encode text with.
func parseIDs(s string) ([]int32, error) {
	fields := strings.Split(s, ",")
	ids := make([]int32, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.ParseInt(f, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q: %w", f, err)
		}
		ids = append(ids, int32(n))
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no token ids given")
	}
	return ids, nil
}

func formatIDs(ids []int32) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(int(id))
	}
	return strings.Join(parts, ",")
}
