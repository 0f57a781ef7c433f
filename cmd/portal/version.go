package main

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/openmined/portal/internal/version"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print Portal version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			if !asJSON {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Detailed())
				return err
			}

			data, err := json.MarshalIndent(version.Get(), "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
	cmd.Flags().Bool("json", false, "Print version information as JSON")
	return cmd
}
