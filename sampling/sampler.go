package sampling

import (
	"math"
	"math/rand"
)

// Sampler draws the next token id for one decoding slot given that slot's
// resolved Config and the current step's logits. Grounded on the sampler
// in samcharles93-mantle's internal/logits package: top-k shortlist,
// softmax-with-max-subtraction, then top-p truncation before the draw.
type Sampler struct {
	cfg    Config
	rng    *rand.Rand
	greedy bool

	topIdx []int32
	topVal []float32
	prob   []float64
}

// NewSampler builds a Sampler for cfg. Temperature of 0 (or unset) selects
// greedy argmax decoding, matching the original engine's convention that a
// slot with no temperature configured is deterministic.
func NewSampler(cfg Config) *Sampler {
	temp, hasTemp := cfg.Temperature.Get()
	greedy := !hasTemp || temp <= 0

	seed, hasSeed := cfg.RandomSeed.Get()
	if !hasSeed {
		seed = 0
	}

	return &Sampler{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(int64(seed))),
		greedy: greedy,
	}
}

// maskedLogit stands in for negative infinity when MinLength forces endID
// out of contention, matching the sentinel convention the engine boundary
// uses for masked attention scores.
const maskedLogit = float32(-1e30)

// Sample returns the chosen token id and its log-probability under the
// resolved sampling distribution, for beam cumulative-log-prob bookkeeping.
// history is this beam's token sequence so far, used to apply
// RepetitionPenalty/PresencePenalty; endID is the token MinLength keeps out
// of contention until history is long enough.
func (s *Sampler) Sample(logits []float32, history []int32, endID int32) (tokenID int32, logProb float32) {
	logits = s.applyPenalties(logits, history, endID)

	if s.greedy {
		idx := argmax(logits)
		return int32(idx), logSoftmaxAt(logits, idx)
	}

	temp := s.cfg.Temperature.GetOr(1.0)
	invTemp := float32(1.0 / float64(temp))

	k := int(s.cfg.TopK.GetOr(0))
	if k <= 0 || k > len(logits) {
		k = len(logits)
	}

	topIdx, topVal := s.topK(logits, k, invTemp)
	if len(topVal) == 0 {
		return 0, 0
	}

	maxv := topVal[0]
	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]

	var sum float64
	for i := range topVal {
		e := math.Exp(float64(topVal[i] - maxv))
		prob[i] = e
		sum += e
	}
	if sum == 0 {
		return topIdx[0], 0
	}
	for i := range prob {
		prob[i] /= sum
	}

	cut := len(prob)
	if topP, ok := s.cfg.TopP.Get(); ok && topP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= topP {
				cut = i + 1
				break
			}
		}
	}

	r := s.rng.Float64()
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r <= c {
			return topIdx[i], float32(math.Log(prob[i]))
		}
	}
	last := cut - 1
	return topIdx[last], float32(math.Log(prob[last]))
}

// applyPenalties adjusts logits for RepetitionPenalty, PresencePenalty, and
// MinLength before temperature/top-k/top-p processing, mirroring the order
// GptDecoderBatch's penalty kernels run in ahead of sampling. It returns
// logits unmodified when none of the three are configured, and otherwise
// returns an adjusted copy so the caller's slice is left untouched.
func (s *Sampler) applyPenalties(logits []float32, history []int32, endID int32) []float32 {
	rep, hasRep := s.cfg.RepetitionPenalty.Get()
	pres, hasPres := s.cfg.PresencePenalty.Get()
	minLen, hasMin := s.cfg.MinLength.Get()

	if !hasRep && !hasPres && !hasMin {
		return logits
	}

	out := append([]float32(nil), logits...)

	if hasRep || hasPres {
		seen := make(map[int32]bool, len(history))
		for _, tok := range history {
			if tok < 0 || int(tok) >= len(out) {
				continue
			}
			seen[tok] = true
		}
		for tok := range seen {
			if hasRep && rep != 1 {
				if out[tok] > 0 {
					out[tok] /= rep
				} else {
					out[tok] *= rep
				}
			}
			if hasPres {
				out[tok] -= pres
			}
		}
	}

	if hasMin && endID >= 0 && int(endID) < len(out) && int32(len(history)) < minLen {
		out[endID] = maskedLogit
	}

	return out
}

func argmax(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}

func logSoftmaxAt(logits []float32, idx int) float32 {
	maxv := logits[argmax(logits)]
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v - maxv))
	}
	return logits[idx] - maxv - float32(math.Log(sum))
}

// topK returns the indices and temperature-scaled values of the k largest
// logits, ordered largest first.
func (s *Sampler) topK(logits []float32, k int, invTemp float32) ([]int32, []float32) {
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int32, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	for i, l := range logits {
		v := l * invTemp
		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)
		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = int32(i)
		topVal[pos] = v
		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	s.topIdx, s.topVal = topIdx, topVal
	return topIdx, topVal
}
