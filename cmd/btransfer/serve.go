package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aclij/btransfer/internal/notify"
	"github.com/aclij/btransfer/internal/session"
)

var flagShareDir string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "accept incoming connections and serve file requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		if flagShareDir != "" {
			dir, err := filepath.Abs(flagShareDir)
			if err != nil {
				return err
			}
			rt.mgr.SetFileResolver(shareDirResolver(dir))
		}

		printEvents(rt.mgr)

		srv := session.NewServer(rt.mgr, rt.listen)
		if err := srv.Start(); err != nil {
			return err
		}
		defer srv.Stop()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagShareDir, "dir", "", "directory served to peers requesting files")
}

// shareDirResolver 只允许取共享目录内的文件，拒绝路径逃逸
func shareDirResolver(dir string) session.FileResolver {
	return func(name string) (string, bool) {
		p := filepath.Join(dir, filepath.Clean("/"+name))
		if !strings.HasPrefix(p, dir+string(filepath.Separator)) {
			return "", false
		}
		if st, err := os.Stat(p); err != nil || st.IsDir() {
			return "", false
		}
		return p, true
	}
}

// printEvents 把所有上行通知打到标准输出
func printEvents(mgr *session.Manager) {
	mgr.Notifier().Subscribe(notify.EventAny, func(e notify.Event) {
		switch ev := e.(type) {
		case *notify.ConnectionEstablished:
			fmt.Printf("connected: %s\n", ev.Address)
		case *notify.ConnectionLost:
			fmt.Printf("disconnected: %s (%s)\n", ev.Address, ev.Reason)
		case *notify.MessageReceived:
			fmt.Printf("[%s] %s: %s\n", ev.Message.Type, ev.From, ev.Message.Content)
		case *notify.TransferCompleted:
			fmt.Printf("transfer %s done: %s\n", ev.TransferID, ev.Path)
		case *notify.TransferFailed:
			fmt.Printf("transfer %s failed: %s\n", ev.TransferID, ev.Reason)
		case *notify.Error:
			fmt.Fprintf(os.Stderr, "error: %s\n", ev.Message)
		}
	})
}
