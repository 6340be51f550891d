// Command qlean is a thin operator CLI over the qlean library: host
// preflight, image prefetch, and a single-VM smoke test.
package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "qlean",
	Short:        "Ephemeral QEMU/KVM fixtures for integration tests",
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(preflightCmd, fetchCmd, smokeCmd)
	if err := rootCmd.Execute(); err != nil {
		log.WithField("error", err).Error("command failed")
		os.Exit(1)
	}
}
