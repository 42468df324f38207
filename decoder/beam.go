package decoder

// GatherTree reconstructs every beam's final output-id sequence for this
// slot, mirroring IGptDecoder::gatherTree as invoked from
// GptDecoderBatch::postProcessRequest/getFinalOutputIds. The original
// engine stores only per-step parent pointers and must walk them backward
// at the end; this Decoder keeps each beam's full history inline at every
// step (see stepBeamSearch), so reconstruction reduces to assembling the
// completed hypotheses ahead of the still-live beams, capped at beamWidth
// rows -- the same set of candidate sequences the original's walk produces,
// before gatherTree there picks a winner. Picking that winner is left to
// the caller; see BeamScores.
func (d *Decoder) GatherTree() [][]int32 {
	if d.beamWidth == 1 {
		return [][]int32{d.outputIDs[0]}
	}

	rows := make([][]int32, 0, d.beamWidth)
	for i := 0; i < d.hyps.NumBeamsCBA && len(rows) < d.beamWidth; i++ {
		rows = append(rows, d.hyps.OutputIDsCBA[i])
	}
	for b := 0; b < d.beamWidth && len(rows) < d.beamWidth; b++ {
		rows = append(rows, d.outputIDs[b])
	}
	return rows
}

// BeamScores returns one length-normalized score per row of the matching
// GatherTree call, in the same order, so a caller can rank or select among
// them without reaching into Decoder's beam-search internals.
func (d *Decoder) BeamScores() []float32 {
	if d.beamWidth == 1 {
		return []float32{1}
	}

	scores := make([]float32, 0, d.beamWidth)
	for i := 0; i < d.hyps.NumBeamsCBA && len(scores) < d.beamWidth; i++ {
		scores = append(scores, d.hyps.NormedScores[i])
	}
	for b := 0; b < d.beamWidth && len(scores) < d.beamWidth; b++ {
		norm := d.cumLogProbs[b] / float32(max(len(d.outputIDs[b]), 1))
		scores = append(scores, norm)
	}
	return scores
}
