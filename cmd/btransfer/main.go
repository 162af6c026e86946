package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aclij/btransfer/internal/bluez"
	"github.com/aclij/btransfer/internal/config"
	"github.com/aclij/btransfer/internal/observe"
	"github.com/aclij/btransfer/internal/session"
	"github.com/aclij/btransfer/internal/stream"
	"github.com/aclij/btransfer/pkg/logger"
)

var (
	flagTCP      bool
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "btransfer",
	Short: "point-to-point bluetooth messaging and file transfer",
	Long: `btransfer runs a single process as RFCOMM server and client at once:
it accepts incoming links, scans and dials peers, pushes messages through
a filter pipeline and moves files with progress and cancellation.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagLogLevel != "" {
			logger.SetLevel(flagLogLevel)
		}
		cfg := config.Load()
		if cfg.ObserveAddr != "" {
			go func() { _ = observe.StartHTTP(cfg.ObserveAddr) }()
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagTCP, "tcp", false, "use the TCP fallback transport instead of BlueZ")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override log level (debug|info|warn|error)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(sendFileCmd)
	rootCmd.AddCommand(getFileCmd)
}

// runtime 一次命令运行期的会话核心和传输层
type runtime struct {
	cfg *config.Config
	mgr *session.Manager
	bt  *bluez.Transport
}

func newRuntime() (*runtime, error) {
	cfg := config.Load()
	rt := &runtime{cfg: cfg}
	if flagTCP {
		rt.mgr = session.NewManager(cfg, stream.TCPDialer{})
		return rt, nil
	}
	bt, err := bluez.Open(cfg.ServiceUUID)
	if err != nil {
		return nil, err
	}
	rt.bt = bt
	rt.mgr = session.NewManager(cfg, bt)
	return rt, nil
}

func (rt *runtime) listen() (stream.Listener, error) {
	if flagTCP {
		return stream.ListenTCP(rt.cfg.TCPAddr)
	}
	return rt.bt.Listen(rt.cfg.ServiceName)
}

func (rt *runtime) discovery() (stream.Discovery, error) {
	if rt.bt == nil {
		return nil, errors.New("device discovery requires the bluez transport")
	}
	return rt.bt, nil
}

func (rt *runtime) close() {
	rt.mgr.Close()
	if rt.bt != nil {
		_ = rt.bt.Close()
	}
}
