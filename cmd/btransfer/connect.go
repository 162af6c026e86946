package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aclij/btransfer/internal/session"
)

var connectCmd = &cobra.Command{
	Use:   "connect address",
	Short: "connect to a peer and print its traffic until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		printEvents(rt.mgr)

		address := args[0]
		cli := session.NewClient(rt.mgr, nil)
		if err := cli.Connect(context.Background(), address); err != nil {
			return err
		}
		defer cli.Disconnect(address)

		if err := cli.RequestDeviceInfo(address); err != nil {
			return err
		}
		fmt.Printf("connected to %s, press Ctrl-C to exit\n", address)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		return nil
	},
}
