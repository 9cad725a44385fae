package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/prl-harvester/internal/dates"
)

func newDecadesCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "decades DATE...",
		Short:       "Print the decades the date heuristics derive from free-text dates",
		Example:     `  harvester decades "c1904" "1922-1927" "2nd C BC"`,
		Args:        cobra.MinimumNArgs(1),
		Annotations: map[string]string{skipAppAnnotation: ""},
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, d := range dates.Decades(args) {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), d); err != nil {
					return fmt.Errorf("write decade: %w", err)
				}
			}
			return nil
		},
	}
}
