package refengine

import "github.com/trtllm-go/runtime/ml"

// Model stands in for a compiled engine's weights. It is a deterministic
// function of token history, not a trained network: each step's logits
// favor the token (lastToken*31 + step + 7) mod vocabSize, scaled up so
// greedy decoding is exactly predictable in tests, with a small amount of
// structured noise over the rest of the vocabulary so top-k/top-p sampling
// has a real distribution to work with.
type Model struct {
	desc ml.Descriptor
}

// NewModel returns a Model for the given descriptor.
func NewModel(desc ml.Descriptor) *Model {
	return &Model{desc: desc}
}

// Logits returns one step's logits over the vocabulary for a single beam,
// given the full token history so far (prompt plus any generated tokens).
func (m *Model) Logits(history []int32) []float32 {
	vocab := m.desc.VocabSize
	logits := make([]float32, vocab)

	last := int32(0)
	if len(history) > 0 {
		last = history[len(history)-1]
	}
	step := int32(len(history))

	favored := int(((last*31 + step + 7) % int32(vocab) + int32(vocab)) % int32(vocab))

	for i := range logits {
		// Deterministic low-amplitude pseudo-noise (eleven levels, so
		// logits repeat once the vocabulary exceeds 11) varies the
		// distribution without a real RNG; the +10 favored token keeps
		// argmax unambiguous and top-k shortlists are reproducible.
		logits[i] = float32((i*7+int(step)*13)%11) * 0.01
	}
	logits[favored] += 10.0

	return logits
}

// LogitsForBeams returns one step's logits for every beam of a slot.
func (m *Model) LogitsForBeams(histories [][]int32) [][]float32 {
	out := make([][]float32, len(histories))
	for i, h := range histories {
		out[i] = m.Logits(h)
	}
	return out
}
