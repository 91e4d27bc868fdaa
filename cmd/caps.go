package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"firestige.xyz/cv2x/internal/config"
	"firestige.xyz/cv2x/internal/core"
)

var capsCmd = &cobra.Command{
	Use:   "caps",
	Short: "Print the radio capability snapshot",
	Long: `Open a session for the first configured traffic category, wait until
it is ready and print the capability snapshot the radio reported.

Examples:
  cv2xctl caps
  cv2xctl caps -o yaml -c /etc/cv2x/config.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configFile)
		if err != nil {
			return err
		}
		return runCaps(cmd.Context(), cfg, cmd.OutOrStdout(), capsOutput)
	},
}

var capsOutput string

func init() {
	capsCmd.Flags().StringVarP(&capsOutput, "output", "o", "text",
		"output format: text, json or yaml")
}

func runCaps(ctx context.Context, cfg *config.GlobalConfig, w io.Writer, format string) error {
	if err := checkOutputFormat(format); err != nil {
		return err
	}
	sc := newContext(cfg)
	defer sc.Close()

	cat := cfg.Session.TrafficCategories[0]
	s, err := sc.Session(cfg.Session.Slot, cat)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, cfg.Session.ReadyTimeout)
	defer cancel()
	if err := s.WaitReady(wctx); err != nil {
		return fmt.Errorf("session %s not ready: %w", cat, err)
	}
	caps, err := s.Capabilities()
	if err != nil {
		return err
	}
	if format != "text" {
		return writeStructured(w, format, caps)
	}
	printCaps(w, cat, caps)
	return nil
}

func printCaps(w io.Writer, cat core.TrafficCategory, c core.Capabilities) {
	periods := make([]string, 0, len(c.Periodicities))
	for _, p := range c.Periodicities {
		periods = append(periods, p.String())
	}
	prios := make([]string, 0, len(c.Priorities))
	for _, p := range c.Priorities {
		prios = append(prios, fmt.Sprint(p))
	}

	printf(w, "category:        %s\n", cat)
	printf(w, "ip mtu:          %d\n", c.LinkIPMTU)
	printf(w, "non-ip mtu:      %d\n", c.LinkNonIPMTU)
	printf(w, "sps flows:       %d\n", c.MaxSpsFlows)
	printf(w, "event flows:     %d\n", c.MaxEventFlows)
	printf(w, "periodicities:   %s\n", strings.Join(periods, ", "))
	printf(w, "priorities:      %s\n", strings.Join(prios, ", "))
	printf(w, "retransmissions: %d\n", c.MaxRetransmissions)
	printf(w, "tx power:        %d..%d dBm\n", c.MinTxPowerDbm, c.MaxTxPowerDbm)
}
