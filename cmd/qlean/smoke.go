package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/genedna/qlean"
)

var smokeClear bool

var smokeCmd = &cobra.Command{
	Use:   "smoke <distro> <name>",
	Short: "Boot one VM, run a probe command, and tear it down",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := qlean.ParseDistro(args[0])
		if err != nil {
			return err
		}
		dataDir, err := qlean.DefaultDataDir()
		if err != nil {
			return err
		}
		store := qlean.NewStore(filepath.Join(dataDir, "images"))
		img, err := store.Acquire(cmd.Context(), d, args[1])
		if err != nil {
			return err
		}

		cfg := &qlean.MachineConfig{Clear: smokeClear}
		return qlean.WithMachine(cmd.Context(), img, cfg, func(m *qlean.Machine) error {
			res, err := m.Exec(cmd.Context(), "uname -a && whoami")
			if err != nil {
				return err
			}
			if res.ExitStatus != 0 {
				return fmt.Errorf("probe exited %d: %s", res.ExitStatus, res.Stderr)
			}
			fmt.Print(string(res.Stdout))
			ip, err := m.IP()
			if err != nil {
				return err
			}
			fmt.Printf("ip: %s\n", ip)
			return nil
		})
	},
}

func init() {
	smokeCmd.Flags().BoolVar(&smokeClear, "clear", true, "delete the VM's overlay and seed on exit")
}
