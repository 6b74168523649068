package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quorumkv/dkvs/internal/metrics"
	"github.com/quorumkv/dkvs/internal/protocol"
	"github.com/quorumkv/dkvs/internal/service"
	"github.com/quorumkv/dkvs/internal/util/workerpool"
)

const readChunkSize = 4096

// TCPConfig holds TCP server configuration
type TCPConfig struct {
	Host          string
	Port          int
	WorkerThreads int
	QueueSize     int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

// TCPServer accepts client and inter-node connections, assembles
// line-delimited frames, and executes parsed commands on a bounded
// worker pool.
type TCPServer struct {
	cfg      TCPConfig
	coord    *service.Coordinator
	pool     *workerpool.WorkerPool
	metrics  *metrics.Metrics
	logger   *zap.Logger
	listener net.Listener

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewTCPServer creates a server bound to the coordinator.
func NewTCPServer(cfg TCPConfig, coord *service.Coordinator, m *metrics.Metrics, logger *zap.Logger) *TCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TCPServer{
		cfg:     cfg,
		coord:   coord,
		metrics: m,
		logger:  logger,
		pool: workerpool.NewWorkerPool(&workerpool.Config{
			Name:       "tcp-server",
			MaxWorkers: cfg.WorkerThreads,
			QueueSize:  cfg.QueueSize,
			Logger:     logger,
		}),
		conns:    make(map[net.Conn]struct{}),
		stopChan: make(chan struct{}),
	}
}

// Start binds the listener and launches the accept loop.
func (s *TCPServer) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("tcp server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listener address.
func (s *TCPServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *TCPServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	var buf []byte
	chunk := make([]byte, readChunkSize)
	for {
		if s.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		n, err := conn.Read(chunk)
		if err != nil {
			return
		}
		buf = append(buf, chunk[:n]...)

		for {
			result := protocol.TryParse(buf)
			if result.Status == protocol.ParseIncomplete {
				break
			}
			frameLen := result.BytesConsumed

			if result.Status == protocol.ParseError {
				s.logger.Debug("frame parse error",
					zap.String("remote", conn.RemoteAddr().String()),
					zap.String("error", result.ErrMsg))
				if !s.writeResponse(conn, protocol.FormatError(result.ErrMsg)) {
					return
				}
			} else if !s.dispatch(conn, result.Command, frameLen) {
				return
			}
			buf = buf[frameLen:]
		}

		select {
		case <-s.stopChan:
			return
		default:
		}
	}
}

// dispatch executes one parsed command on the worker pool and writes
// the response. The connection reader blocks until the command
// completes, so responses keep the request order within a connection.
func (s *TCPServer) dispatch(conn net.Conn, cmd protocol.Command, frameBytes int) bool {
	done := make(chan []byte, 1)
	task := workerpool.Task{
		ID: cmd.Type.String(),
		Fn: func(context.Context) error {
			start := time.Now()
			resp := s.coord.HandleCommand(&cmd)
			if s.metrics != nil {
				s.metrics.RecordRequest(cmd.Type.String(), time.Since(start).Seconds(), frameBytes)
			}
			done <- resp
			return nil
		},
	}

	if err := s.pool.SubmitWithContext(context.Background(), task); err != nil {
		s.logger.Warn("dispatch rejected", zap.Error(err))
		return false
	}

	select {
	case resp := <-done:
		return s.writeResponse(conn, resp)
	case <-s.stopChan:
		return false
	}
}

func (s *TCPServer) writeResponse(conn net.Conn, resp []byte) bool {
	if s.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	if _, err := conn.Write(resp); err != nil {
		s.logger.Debug("response write failed",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.Error(err))
		return false
	}
	return true
}

// Stop closes the listener, drops open connections, and drains the
// worker pool.
func (s *TCPServer) Stop(timeout time.Duration) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.listener != nil {
			s.listener.Close()
		}

		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("tcp server stop timeout after %v", timeout)
			return
		}

		err = s.pool.Stop(timeout)
		s.logger.Info("tcp server stopped")
	})
	return err
}
