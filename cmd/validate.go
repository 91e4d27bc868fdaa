package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"firestige.xyz/cv2x/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file without opening any session.

Environment overrides (CV2X_*) are applied the same way the other commands
apply them.

Examples:
  cv2xctl validate -f /etc/cv2x/config.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(cmd.OutOrStdout(), validateConfigFile)
	},
}

var validateConfigFile string

func init() {
	validateCmd.Flags().StringVarP(&validateConfigFile, "file", "f", "",
		"configuration file to validate (required)")
	validateCmd.MarkFlagRequired("file")
}

func runValidate(w io.Writer, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}

	names := make([]string, 0, len(cfg.Session.TrafficCategories))
	for _, c := range cfg.Session.TrafficCategories {
		names = append(names, c.String())
	}
	caps := cfg.Transport.Sim.Capabilities
	printf(w, "VALID: slot %d, categories [%s], transport %s (%d sps / %d event flows)\n",
		cfg.Session.Slot, strings.Join(names, ", "), cfg.Transport.Type,
		caps.MaxSpsFlows, caps.MaxEventFlows)
	return nil
}
