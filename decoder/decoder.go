package decoder

import (
	"sort"

	"github.com/trtllm-go/runtime/sampling"
)

// Decoder is the Single-Slot Decoder: the state machine driving one
// request through setup, one-step-at-a-time forwardAsync calls, and final
// beam reconstruction. One Decoder exists per occupied scheduler slot.
type Decoder struct {
	maxSeqLen int
	vocabSize int

	beamWidth    int
	endID, padID int32
	maxNewTokens int

	samplers []*sampling.Sampler

	// outputIDs[beam] holds the full [inputLen+step] history for that
	// beam, tiled from the prompt at Setup like
	// GptDecoderBatch::newRequest's tileTensor call.
	outputIDs    [][]int32
	parentIDs    [][]int32 // parentIDs[step][beam] -> parent beam at step-1
	cumLogProbs  []float32
	lengths      []int32
	inputLength  int
	nbSteps      int
	finished     bool
	hyps         BeamHypotheses
}

// NewDecoder returns a Decoder sized for engines with up to vocabSize
// tokens and sequences up to maxSeqLen long.
func NewDecoder(maxSeqLen, vocabSize int) *Decoder {
	return &Decoder{maxSeqLen: maxSeqLen, vocabSize: vocabSize}
}

// Setup assigns a new request to this (now-idle) Decoder, mirroring
// GptDecoderBatch::newRequest: resolving optional endId/padId/maxNewTokens,
// tiling the prompt across beams, and initializing cumulative log-probs so
// only beam 0 starts eligible to extend.
func (d *Decoder) Setup(req Request) error {
	beamWidth := max(req.SamplingConfig.BeamWidth, 1)
	if beamWidth > 1 && req.SamplingConfig.BeamWidth <= 0 {
		beamWidth = 1
	}

	d.beamWidth = beamWidth
	d.endID = req.EndID
	d.padID = req.PadID
	d.inputLength = len(req.InputIDs)
	d.nbSteps = 0
	d.finished = false

	maxNewTokens := req.MaxNewTokens
	if maxNewTokens <= 0 {
		maxNewTokens = d.maxSeqLen - d.inputLength
	}
	d.maxNewTokens = maxNewTokens

	d.outputIDs = make([][]int32, beamWidth)
	d.parentIDs = nil
	d.cumLogProbs = make([]float32, beamWidth)
	d.lengths = make([]int32, beamWidth)
	d.samplers = make([]*sampling.Sampler, beamWidth)

	for b := 0; b < beamWidth; b++ {
		row := make([]int32, d.inputLength, d.inputLength+maxNewTokens)
		copy(row, req.InputIDs)
		d.outputIDs[b] = row
		d.lengths[b] = int32(d.inputLength)
		if b > 0 {
			d.cumLogProbs[b] = NegativeInfinity
		}
		d.samplers[b] = sampling.NewSampler(req.SamplingConfig)
	}

	if beamWidth > 1 {
		d.hyps.Init(beamWidth, req.EndID, d.maxSeqLen)
	}

	return nil
}

// BeamWidth reports the beam width the currently assigned request was set
// up with.
func (d *Decoder) BeamWidth() int { return d.beamWidth }

// History returns the current token history for the given beam, the input
// the engine needs to compute next-step logits.
func (d *Decoder) History(beam int) []int32 {
	return d.outputIDs[beam]
}

// Finished reports whether this slot's decoding loop has stopped, either
// because every beam hit endId or because maxNewTokens steps have elapsed
// -- the same two-part condition GptDecoderBatch::forward evaluates after
// its host synchronization point.
func (d *Decoder) Finished() bool { return d.finished }

// ForwardAsync advances this slot by exactly one decoding step, mirroring
// IGptDecoder::forwardAsync as called from GptDecoderBatch::forward.
func (d *Decoder) ForwardAsync(in Input) Output {
	var out Output

	if d.beamWidth == 1 {
		out = d.stepGreedyOrSample(in)
	} else {
		out = d.stepBeamSearch(in)
	}

	d.nbSteps++
	if d.nbSteps >= d.maxNewTokens || out.Finished {
		d.finished = true
	}
	out.Finished = d.finished
	return out
}

func (d *Decoder) stepGreedyOrSample(in Input) Output {
	tok, logProb := d.samplers[0].Sample(in.Logits[0], d.outputIDs[0], d.endID)
	d.outputIDs[0] = append(d.outputIDs[0], tok)
	d.cumLogProbs[0] += logProb
	d.lengths[0]++

	finished := tok == d.endID
	finishedSum := 0
	if finished {
		finishedSum = 1
	}
	return Output{
		NewTokens:    []int32{tok},
		Finished:     finished,
		BeamFinished: []bool{finished},
		FinishedSum:  finishedSum,
	}
}

type beamCandidate struct {
	beam    int
	token   int32
	score   float32
	logProb float32
}

// stepBeamSearch performs one beam-search expansion step: every live beam
// proposes its top candidates, the global top beamWidth candidates by
// cumulative score survive, and any candidate ending in endId is retired
// into the hypotheses ring buffer instead of continuing to decode. This is
// the Go-idiomatic rendering of the beam-update half of forwardAsync, which
// the original engine delegates to a fused kernel this module has no
// equivalent of.
func (d *Decoder) stepBeamSearch(in Input) Output {
	const perBeamShortlist = 2 // candidates considered per beam before global top-k

	var candidates []beamCandidate
	for b := 0; b < d.beamWidth; b++ {
		tok, logProb := d.samplers[b].Sample(in.Logits[b], d.outputIDs[b], d.endID)
		candidates = append(candidates, beamCandidate{
			beam: b, token: tok, logProb: logProb,
			score: d.cumLogProbs[b] + logProb,
		})
		for extra := 1; extra < perBeamShortlist; extra++ {
			// A second draw from the same sampler adds another candidate
			// for this beam when it picks a different token, without
			// requiring the sampler to expose raw top-k internals; under
			// greedy decoding both draws agree and the beam contributes
			// one candidate.
			tok2, lp2 := d.samplers[b].Sample(in.Logits[b], d.outputIDs[b], d.endID)
			if tok2 == tok {
				continue
			}
			candidates = append(candidates, beamCandidate{
				beam: b, token: tok2, logProb: lp2,
				score: d.cumLogProbs[b] + lp2,
			})
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	newOutputIDs := make([][]int32, d.beamWidth)
	newCumLogProbs := make([]float32, d.beamWidth)
	newLengths := make([]int32, d.beamWidth)
	parentRow := make([]int32, d.beamWidth)
	newTokens := make([]int32, d.beamWidth)
	beamFinished := make([]bool, d.beamWidth)

	kept := 0
	retiredCount := 0
	for _, c := range candidates {
		if kept >= d.beamWidth {
			break
		}
		if c.token == d.endID {
			d.retireHypothesis(c)
			retiredCount++
			continue
		}
		row := append(append([]int32(nil), d.outputIDs[c.beam]...), c.token)
		newOutputIDs[kept] = row
		newCumLogProbs[kept] = c.score
		newLengths[kept] = d.lengths[c.beam] + 1
		parentRow[kept] = int32(c.beam)
		newTokens[kept] = c.token
		kept++
	}
	// If every candidate ended the sequence, keep decoding from the
	// previous best beam's history so the slot still has valid state to
	// report; Finished will already be forced true in that case.
	allDone := kept == 0
	for kept < d.beamWidth {
		newOutputIDs[kept] = append([]int32(nil), d.outputIDs[0]...)
		newCumLogProbs[kept] = d.cumLogProbs[0]
		newLengths[kept] = d.lengths[0]
		parentRow[kept] = 0
		newTokens[kept] = d.padID
		beamFinished[kept] = true
		kept++
	}

	d.outputIDs = newOutputIDs
	d.cumLogProbs = newCumLogProbs
	d.lengths = newLengths
	d.parentIDs = append(d.parentIDs, parentRow)

	return Output{
		NewTokens:    newTokens,
		Finished:     allDone || d.hyps.Done,
		BeamFinished: beamFinished,
		FinishedSum:  retiredCount,
	}
}

func (d *Decoder) retireHypothesis(c beamCandidate) {
	row := append(append([]int32(nil), d.outputIDs[c.beam]...), c.token)
	normed := c.score / float32(len(row))
	slot := d.hyps.NumBeamsCBA % d.hyps.NumBeams
	if d.hyps.NumBeamsCBA >= d.hyps.NumBeams {
		// Ring buffer full: only keep it if it beats the worst entry,
		// which it then replaces.
		if normed <= d.hyps.MinNormedScoreCBA {
			return
		}
		for i, s := range d.hyps.NormedScores {
			if s < d.hyps.NormedScores[slot] {
				slot = i
			}
		}
	}
	d.hyps.OutputIDsCBA[slot] = row
	d.hyps.NormedScores[slot] = normed
	if d.hyps.NumBeamsCBA < d.hyps.NumBeams {
		d.hyps.NumBeamsCBA++
	}
	if d.hyps.NumBeamsCBA >= d.hyps.NumBeams {
		min := d.hyps.NormedScores[0]
		for _, s := range d.hyps.NormedScores {
			if s < min {
				min = s
			}
		}
		d.hyps.MinNormedScoreCBA = min
		d.hyps.Done = true
	}
}
