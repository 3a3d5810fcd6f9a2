package cli

import (
	"github.com/spf13/cobra"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Run a single model training cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Train(cmd.Context())
	},
}
