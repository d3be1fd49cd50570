package main

import (
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/basket/systerd/internal/config"
	"github.com/basket/systerd/internal/doctor"
)

var doctorStyles = map[string]lipgloss.Style{
	doctor.StatusPass: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	doctor.StatusWarn: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	doctor.StatusFail: lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	doctor.StatusSkip: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
}

func doctorCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks against the local state directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cfgPtr *config.Config
			cfg, err := loadConfig(cmd)
			if err == nil {
				cfgPtr = &cfg
			} else {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
			}
			d := doctor.Run(cmd.Context(), cfgPtr, Version)

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(d); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "systerd %s (%s/%s, %s)\n\n", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
				for _, r := range d.Results {
					status := fmt.Sprintf("[%s]", r.Status)
					if st, ok := doctorStyles[r.Status]; ok {
						status = st.Render(status)
					}
					fmt.Fprintf(out, "%s %-16s %s\n", status, r.Name, r.Message)
					if r.Detail != "" {
						fmt.Fprintf(out, "       %s\n", r.Detail)
					}
				}
			}
			if d.Failed() {
				return errSilent
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the diagnosis as JSON")
	return cmd
}
