// cmd.go - Haupt-CLI Setup und Root Command
// Hauptfunktionen: NewCLI, appendEnvDocs
package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/trtllm-go/runtime/envconfig"
)

// appendEnvDocs - Fuegt Umgebungsvariablen-Dokumentation zum Command hinzu
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-28s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI - Erstellt das Haupt-CLI mit allen Commands
func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "trtllm-runtime",
		Short:         "Decoder batch scheduler reference driver",
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}

	generateCmd := newGenerateCmd()
	batchCmd := newBatchCmd()

	envVars := envconfig.AsMap()
	appendEnvDocs(generateCmd, []envconfig.EnvVar{
		envVars["TRTLLM_DEBUG"],
		envVars["TRTLLM_KV_CACHE_TYPE"],
		envVars["TRTLLM_CONTEXT_FMHA"],
		envVars["TRTLLM_MAX_BEAM_WIDTH"],
	})
	appendEnvDocs(batchCmd, []envconfig.EnvVar{
		envVars["TRTLLM_DEBUG"],
		envVars["TRTLLM_MAX_BEAM_WIDTH"],
	})

	rootCmd.AddCommand(generateCmd, batchCmd)

	return rootCmd
}
