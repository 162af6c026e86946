package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aclij/btransfer/internal/session"
)

var sendCmd = &cobra.Command{
	Use:   "send address text...",
	Short: "connect to a peer and send a text message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		address := args[0]
		cli := session.NewClient(rt.mgr, nil)
		if err := cli.Connect(context.Background(), address); err != nil {
			return err
		}
		defer cli.Disconnect(address)

		for _, text := range args[1:] {
			if err := rt.mgr.SendText(address, text); err != nil {
				return err
			}
		}
		fmt.Printf("sent %d message(s) to %s\n", len(args)-1, address)
		return nil
	},
}
