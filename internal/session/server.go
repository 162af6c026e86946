package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aclij/btransfer/internal/notify"
	"github.com/aclij/btransfer/internal/stream"
	"github.com/aclij/btransfer/pkg/logger"
)

// ListenFunc 创建监听套接字，传输层（bluez / tcp）各自提供
type ListenFunc func() (stream.Listener, error)

// Server 接受入站连接并交给 registry。Stop 关监听套接字来
// 确定性地打断 accept 循环，running 已置 false 时的 accept
// 错误按"监听已关闭"处理而不是故障。
type Server struct {
	mgr     *Manager
	listen  ListenFunc
	running atomic.Bool

	mu sync.Mutex
	ln stream.Listener
	wg sync.WaitGroup
}

func NewServer(mgr *Manager, listen ListenFunc) *Server {
	return &Server{mgr: mgr, listen: listen}
}

// Start 绑定监听并启动 accept 循环，重复调用报错
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session: server already running")
	}
	ln, err := s.listen()
	if err != nil {
		s.running.Store(false)
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.mgr.notifier.Post(&notify.ServerStarted{When: time.Now(), ServiceName: s.mgr.cfg.ServiceName})
	logger.L().Sugar().Infow("server_started", "service", s.mgr.cfg.ServiceName)
	return nil
}

func (s *Server) Running() bool { return s.running.Load() }

func (s *Server) acceptLoop(ln stream.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.running.Load() {
				logger.L().Sugar().Infow("listener_closed")
				return
			}
			logger.L().Sugar().Errorw("accept_failed", "err", err)
			s.mgr.notifier.Post(&notify.Error{When: time.Now(), Message: "accept failed: " + err.Error()})
			// accept 循环退出后 Running 不再为真
			if s.running.CompareAndSwap(true, false) {
				s.mu.Lock()
				dead := s.ln
				s.ln = nil
				s.mu.Unlock()
				if dead != nil {
					_ = dead.Close()
				}
				s.mgr.notifier.Post(&notify.ServerStopped{When: time.Now()})
				logger.L().Sugar().Infow("server_stopped", "cause", "accept_failed")
			}
			return
		}
		addr := conn.RemoteAddr()
		logger.L().Sugar().Infow("connection_accepted", "address", addr)
		s.mgr.Attach(addr, conn, false)
	}
}

// Stop 幂等。关监听后等 accept 循环退出，已建立的连接不受影响。
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.wg.Wait()
	s.mgr.notifier.Post(&notify.ServerStopped{When: time.Now()})
	logger.L().Sugar().Infow("server_stopped")
}
