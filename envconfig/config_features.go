// config_features.go - Feature-Flags fuer die Attention/KV-Cache-Pfade
package envconfig

// =============================================================================
// Feature-Flags
// =============================================================================

var (
	// ContextFMHA aktiviert den fusionierten Context-FMHA-Pfad im Attention
	// Step Dispatcher anstelle der manuellen Strided-Attention-Berechnung.
	// Konfigurierbar via TRTLLM_CONTEXT_FMHA (Default: aktiv)
	ContextFMHA = BoolWithDefault("TRTLLM_CONTEXT_FMHA")

	// MultiBlockGeneration aktiviert die Aufteilung eines Generation-Steps
	// ueber mehrere Bloecke, wenn die KV-Cache-Sequenzlaenge das rechtfertigt.
	// Konfigurierbar via TRTLLM_MULTI_BLOCK_GENERATION (Default: inaktiv)
	MultiBlockGeneration = Bool("TRTLLM_MULTI_BLOCK_GENERATION")

	// MaxBeamWidth setzt die Standard-Obergrenze fuer die Beam-Breite, die
	// ein Scheduler ohne explizite Config.MaxBeamWidth annimmt.
	// Konfigurierbar via TRTLLM_MAX_BEAM_WIDTH
	MaxBeamWidth = Uint("TRTLLM_MAX_BEAM_WIDTH", 1)
)
