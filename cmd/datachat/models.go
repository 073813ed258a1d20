package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rhuss/datachat/pkg/bootstrap"
)

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the configured chat models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			catalog, err := bootstrap.Models(cmd.Context(), cfg.Models)
			if err != nil {
				return err
			}
			for _, label := range catalog.Labels() {
				marker := " "
				if label == catalog.Default() {
					marker = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, label)
			}
			return nil
		},
	}
}
