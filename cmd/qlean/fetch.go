package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/genedna/qlean"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <distro> <name>...",
	Short: "Download and verify base images into the cache",
	Args:  cobra.MinimumNArgs(2),
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

		g, ctx := errgroup.WithContext(cmd.Context())
		for _, name := range args[1:] {
			name := name
			g.Go(func() error {
				img, err := store.Acquire(ctx, d, name)
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%s\n", img.Checksum, img.Path)
				return nil
			})
		}
		return g.Wait()
	},
}
