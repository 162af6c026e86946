package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	progressbar "github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/aclij/btransfer/internal/notify"
	"github.com/aclij/btransfer/internal/session"
)

var sendFileCmd = &cobra.Command{
	Use:   "send-file address path",
	Short: "push a local file to a peer that is waiting to receive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransfer(args[0], func(cli *session.Client) (string, error) {
			return cli.SendFile(args[0], args[1])
		})
	},
}

var getFileCmd = &cobra.Command{
	Use:   "get-file address remote-name save-path",
	Short: "request a file from a peer and download it",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransfer(args[0], func(cli *session.Client) (string, error) {
			return cli.RequestFile(args[0], args[1], args[2])
		})
	},
}

// runTransfer 建链、发起传输、用进度条跟到终态
func runTransfer(address string, start func(*session.Client) (string, error)) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	cli := session.NewClient(rt.mgr, nil)
	if err := cli.Connect(context.Background(), address); err != nil {
		return err
	}
	defer cli.Disconnect(address)

	var (
		mu   sync.Mutex
		bar  *progressbar.ProgressBar
		done = make(chan error, 1)
	)
	cancel := rt.mgr.Notifier().Subscribe(notify.EventAny, func(e notify.Event) {
		switch ev := e.(type) {
		case *notify.TransferProgress:
			mu.Lock()
			if bar == nil {
				bar = progressbar.DefaultBytes(ev.TotalBytes, ev.FileName)
			}
			_ = bar.Set64(ev.TransferredBytes)
			mu.Unlock()
		case *notify.TransferCompleted:
			done <- nil
		case *notify.TransferFailed:
			done <- errors.New(ev.Reason)
		case *notify.TransferCancelled:
			done <- errors.New("transfer cancelled")
		}
	})
	defer cancel()

	id, err := start(cli)
	if err != nil {
		return err
	}
	fmt.Printf("transfer %s started\n", id)
	return <-done
}
