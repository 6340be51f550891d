package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/genedna/qlean"
)

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Verify host tools and the bridge ACL",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := qlean.CheckHost(); err != nil {
			return err
		}
		fmt.Println("host ready")
		return nil
	},
}
