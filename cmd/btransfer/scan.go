package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aclij/btransfer/internal/session"
)

var flagScanTimeout time.Duration

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "discover nearby devices advertising the service",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		disc, err := rt.discovery()
		if err != nil {
			return err
		}
		cli := session.NewClient(rt.mgr, disc)
		devices, err := cli.Scan(context.Background(), flagScanTimeout)
		if err != nil {
			return err
		}
		for _, d := range devices {
			paired := ""
			if d.Paired {
				paired = " (paired)"
			}
			fmt.Printf("%s  %s%s\n", d.Address, d.Name, paired)
		}
		fmt.Printf("%d device(s)\n", len(devices))
		return nil
	},
}

func init() {
	scanCmd.Flags().DurationVar(&flagScanTimeout, "timeout", 0, "scan duration (default from BT_SCAN_TIMEOUT_MS)")
}
