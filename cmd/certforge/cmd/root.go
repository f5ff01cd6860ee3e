package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "certforge",
	Short: "certforge is a certificate-request issuance engine",
	Long: `A certificate-request issuance engine: profiles validate and populate
certificate operations, a durable queue tracks every request, and
connectors coordinate multi-party operations with peer services.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
