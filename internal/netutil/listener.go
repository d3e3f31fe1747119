// Package netutil implements the TCP connection loop: accept, per-
// connection command loop, and the primary-side socket handling for
// REPLCONF/SYNC/PSYNC that needs the raw connection rather than a
// dispatch-table reply. The accept loop itself is an external
// collaborator per the wire-protocol scope; this package is the thin
// wrapper around it.
package netutil

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/faizanhussain2310/keyvaultd/internal/dispatch"
	"github.com/faizanhussain2310/keyvaultd/internal/protocol"
	"github.com/faizanhussain2310/keyvaultd/internal/replication"
)

// DefaultResyncBurst and DefaultResyncPerSecond bound how often this
// primary will start a fresh full/partial resync, protecting the
// snapshot store's single lock from being monopolized by a reconnect
// storm of thrashing replicas.
const (
	DefaultResyncPerSecond = 2
	DefaultResyncBurst     = 4
)

// Server owns the client-facing TCP listener.
type Server struct {
	Addr           string
	MaxConnections int
	Table          *dispatch.Table
	Primary        *replication.PrimaryState // nil when this instance is a replica
	Log            *zap.Logger

	resyncLimiter *rate.Limiter

	listener        net.Listener
	connections     sync.Map
	activeConnCount atomic.Int64
	wg              sync.WaitGroup

	mu         sync.Mutex
	isShutdown bool
}

// NewServer builds a Server. log may be nil.
func NewServer(addr string, maxConnections int, table *dispatch.Table, primary *replication.PrimaryState, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if maxConnections <= 0 {
		maxConnections = 10000
	}
	return &Server{
		Addr:           addr,
		MaxConnections: maxConnections,
		Table:          table,
		Primary:        primary,
		Log:            log,
		resyncLimiter:  rate.NewLimiter(rate.Limit(DefaultResyncPerSecond), DefaultResyncBurst),
	}
}

// Serve listens on Addr and accepts connections until ctx is cancelled
// or Shutdown is called.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.Log.Info("listening", zap.String("addr", s.Addr))

	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			down := s.isShutdown
			s.mu.Unlock()
			if down {
				return nil
			}
			s.Log.Warn("accept error", zap.Error(err))
			continue
		}

		if s.activeConnCount.Load() >= int64(s.MaxConnections) {
			conn.Close()
			continue
		}

		s.wg.Add(1)
		s.activeConnCount.Add(1)
		connID := time.Now().UnixNano()
		s.connections.Store(connID, conn)
		go func() {
			defer s.wg.Done()
			defer s.activeConnCount.Add(-1)
			defer s.connections.Delete(connID)
			defer conn.Close()
			s.handleConnection(ctx, conn)
		}()
	}
}

// Shutdown closes the listener and every tracked connection, then
// waits for their goroutines to return.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.isShutdown {
		s.mu.Unlock()
		return
	}
	s.isShutdown = true
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	s.connections.Range(func(_, v interface{}) bool {
		if conn, ok := v.(net.Conn); ok {
			conn.Close()
		}
		return true
	})
	s.wg.Wait()
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	var repDescriptor *replication.ReplicaDescriptor

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cmd, err := protocol.ParseCommand(reader)
		if err != nil {
			if errors.Is(err, protocol.ErrProtocol) {
				writer.Write(protocol.EncodeError("ERR protocol error"))
				writer.Flush()
				continue
			}
			return
		}

		switch cmd.Name() {
		case "REPLCONF":
			if s.Primary == nil {
				writer.Write(protocol.EncodeError("ERR REPLCONF is only valid against a primary"))
				writer.Flush()
				continue
			}
			if repDescriptor == nil {
				repDescriptor = s.Primary.RegisterReplica(conn)
			}
			reply, err := s.Primary.HandleReplConf(repDescriptor, cmd.Args[1:])
			if err != nil {
				writer.Write(protocol.EncodeError(err.Error()))
			} else if reply != nil {
				writer.Write(reply)
			}
			writer.Flush()

		case "SYNC", "PSYNC":
			if s.Primary == nil {
				writer.Write(protocol.EncodeError("ERR SYNC is only valid against a primary"))
				writer.Flush()
				continue
			}
			if !s.resyncLimiter.Allow() {
				writer.Write(protocol.EncodeError("ERR resync rate limit exceeded, try again shortly"))
				writer.Flush()
				continue
			}
			if repDescriptor == nil {
				repDescriptor = s.Primary.RegisterReplica(conn)
			}

			replID, offset := "?", int64(-1)
			if cmd.Name() == "PSYNC" && len(cmd.Args) == 3 {
				replID = cmd.Args[1]
				if parsed, err := strconv.ParseInt(cmd.Args[2], 10, 64); err == nil {
					offset = parsed
				}
			}
			writer.Flush()
			if err := s.Primary.Sync(repDescriptor, replID, offset); err != nil {
				s.Log.Warn("resync failed", zap.String("replica", repDescriptor.ID), zap.Error(err))
				return
			}
			s.replicationAckLoop(repDescriptor, reader)
			return

		default:
			reply := s.Table.Execute(cmd, false)
			writer.Write(reply)
			writer.Flush()
		}
	}
}

// replicationAckLoop reads REPLCONF ACK frames from an already-synced
// replica connection until it disconnects, forwarding each to
// HandleReplConf to update the descriptor's offset/liveness.
func (s *Server) replicationAckLoop(d *replication.ReplicaDescriptor, reader *bufio.Reader) {
	defer s.Primary.RemoveReplica(d.ID)
	for {
		cmd, err := protocol.ParseCommand(reader)
		if err != nil {
			return
		}
		if cmd.Name() != "REPLCONF" {
			continue
		}
		if _, err := s.Primary.HandleReplConf(d, cmd.Args[1:]); err != nil {
			s.Log.Warn("bad REPLCONF from replica", zap.String("replica", d.ID), zap.Error(err))
		}
	}
}
