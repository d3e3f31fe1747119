package replication

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/faizanhussain2310/keyvaultd/internal/protocol"
	"github.com/faizanhussain2310/keyvaultd/internal/snapshot"
)

// ReconnectDelay is how long the replica waits before retrying a lost
// or failed master connection.
const ReconnectDelay = time.Second

// ApplyFunc executes one command streamed from the master and
// returns the reply bytes an ordinary client would have received
// (ignored by the replica, but kept so the same dispatcher entry
// point serves both paths).
type ApplyFunc func(args []string) ([]byte, error)

// ReplicaClient is the replica-role half of replication: the master
// connection, handshake, read loop, and ACK bookkeeping.
type ReplicaClient struct {
	mu   sync.Mutex
	conn net.Conn

	host          string
	port          int
	listeningPort int

	reader *bufio.Reader
	writer *bufio.Writer

	replicationOffset       int64
	replicationID           string
	processingMasterCommand bool

	snap  *snapshot.Store
	apply ApplyFunc
	log   *zap.Logger
}

// NewReplica constructs replica-role replication state pointed at
// host:port.
func NewReplica(host string, port, listeningPort int, snap *snapshot.Store, apply ApplyFunc, log *zap.Logger) *ReplicaClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &ReplicaClient{
		host:          host,
		port:          port,
		listeningPort: listeningPort,
		snap:          snap,
		apply:         apply,
		log:           log,
	}
}

// MasterAddr returns the configured master host and port.
func (r *ReplicaClient) MasterAddr() (string, int) {
	return r.host, r.port
}

// Offset returns the last applied replication offset.
func (r *ReplicaClient) Offset() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replicationOffset
}

// ProcessingMasterCommand reports whether the read loop is currently
// inside the apply path for a command streamed from the master. The
// flag is shared by the whole replica, not tracked per goroutine. The
// read-only guard in command dispatch uses this to let master-origin
// writes bypass replica write protection.
func (r *ReplicaClient) ProcessingMasterCommand() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processingMasterCommand
}

// Run connects to the master, performs the handshake, and then loops
// applying the replication stream, reconnecting on any error until ctx
// is cancelled.
func (r *ReplicaClient) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := r.connectAndSync(); err != nil {
			r.log.Warn("replication handshake failed, retrying", zap.Error(err))
			r.closeConn()
			if !sleepOrDone(ctx, ReconnectDelay) {
				return nil
			}
			continue
		}

		r.log.Info("replication stream connected", zap.String("master_host", r.host), zap.Int("master_port", r.port))
		err := r.readLoop(ctx)
		r.closeConn()

		if ctx.Err() != nil {
			return nil
		}
		r.log.Warn("lost connection to master, reconnecting", zap.Error(err))
		if !sleepOrDone(ctx, ReconnectDelay) {
			return nil
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (r *ReplicaClient) connectAndSync() error {
	addr := net.JoinHostPort(r.host, strconv.Itoa(r.port))
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return errors.Wrap(err, "failed to connect to master")
	}

	r.mu.Lock()
	r.conn = conn
	r.reader = bufio.NewReader(conn)
	r.writer = bufio.NewWriter(conn)
	r.mu.Unlock()

	if err := r.sendFrame(protocol.EncodeCommand([]string{"PING"})); err != nil {
		return errors.Wrap(err, "handshake failed at PING")
	}
	if _, err := r.readLine(); err != nil {
		return errors.Wrap(err, "handshake failed reading PING reply")
	}

	port := strconv.Itoa(r.listeningPort)
	if err := r.sendFrame(protocol.EncodeCommand([]string{"REPLCONF", "listening-port", port})); err != nil {
		return errors.Wrap(err, "handshake failed at REPLCONF listening-port")
	}
	if _, err := r.readLine(); err != nil {
		return errors.Wrap(err, "handshake failed reading REPLCONF listening-port reply")
	}

	if err := r.sendFrame(protocol.EncodeCommand([]string{"REPLCONF", "capa", CapaPSync2})); err != nil {
		return errors.Wrap(err, "handshake failed at REPLCONF capa")
	}
	if _, err := r.readLine(); err != nil {
		return errors.Wrap(err, "handshake failed reading REPLCONF capa reply")
	}

	r.mu.Lock()
	replID := "?"
	offsetStr := "-1"
	if r.replicationID != "" {
		replID = r.replicationID
		offsetStr = strconv.FormatInt(r.replicationOffset, 10)
	}
	r.mu.Unlock()

	if err := r.sendFrame(protocol.EncodeCommand([]string{"PSYNC", replID, offsetStr})); err != nil {
		return errors.Wrap(err, "handshake failed at PSYNC")
	}

	line, err := r.readLine()
	if err != nil {
		return errors.Wrap(err, "handshake failed reading PSYNC reply")
	}

	switch {
	case strings.HasPrefix(line, "+FULLRESYNC"):
		parts := strings.Fields(line)
		if len(parts) < 3 {
			return errors.New("malformed FULLRESYNC reply")
		}
		newOffset, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return errors.Wrap(err, "malformed FULLRESYNC offset")
		}
		if err := r.receiveFullSnapshot(); err != nil {
			return err
		}
		r.mu.Lock()
		r.replicationID = parts[1]
		r.replicationOffset = newOffset
		r.mu.Unlock()

	case strings.HasPrefix(line, "+CONTINUE"):
		// Backlog bytes immediately follow in the stream; readLoop
		// parses them as ordinary commands.

	default:
		return errors.Errorf("unexpected PSYNC reply: %s", line)
	}

	return nil
}

// receiveFullSnapshot reads the bulk-string-framed snapshot file into
// a temp file, validates it by reloading it like an ordinary snapshot
// store, and atomically renames it over the live snapshot.
func (r *ReplicaClient) receiveFullSnapshot() error {
	sizeLine, err := r.readLine()
	if err != nil {
		return err
	}
	if len(sizeLine) == 0 || sizeLine[0] != '$' {
		return errors.New("bad size header for full sync")
	}
	n, err := strconv.Atoi(sizeLine[1:])
	if err != nil || n < 0 {
		return errors.New("bad size header for full sync")
	}

	tmpFile, err := os.CreateTemp("", "keyvaultd-fullsync-*.sdb")
	if err != nil {
		return errors.Wrap(err, "Failed to persist data")
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	r.mu.Lock()
	reader := r.reader
	r.mu.Unlock()

	if _, err := io.CopyN(tmpFile, reader, int64(n)); err != nil {
		tmpFile.Close()
		return errors.Wrap(err, "Failed to persist data")
	}
	tmpFile.Close()

	tmpStore := snapshot.New(tmpPath, r.log)
	if err := tmpStore.Initialize(); err != nil {
		return errors.Wrap(err, "Failed to persist data")
	}
	if _, err := tmpStore.ReadAll(); err != nil {
		return errors.Wrap(err, "Failed to persist data")
	}

	if r.snap == nil {
		return nil
	}
	if err := os.Rename(tmpPath, r.snap.Path()); err != nil {
		return errors.Wrap(err, "Failed to persist data")
	}
	return r.snap.Reload()
}

// readLoop applies the replication stream until it errors or ctx is
// cancelled.
func (r *ReplicaClient) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		r.mu.Lock()
		conn := r.conn
		reader := r.reader
		r.mu.Unlock()

		conn.SetReadDeadline(time.Now().Add(65 * time.Second))
		cmd, err := protocol.ParseCommand(reader)
		if err != nil {
			return err
		}

		frameLen := int64(len(protocol.EncodeCommand(cmd.Args)))
		r.mu.Lock()
		r.replicationOffset += frameLen
		r.mu.Unlock()

		if cmd.Name() == "REPLCONF" && len(cmd.Args) >= 2 && strings.ToUpper(cmd.Args[1]) == "GETACK" {
			if err := r.sendACK(); err != nil {
				return err
			}
			continue
		}

		r.mu.Lock()
		r.processingMasterCommand = true
		r.mu.Unlock()

		if r.apply != nil {
			if _, err := r.apply(cmd.Args); err != nil {
				r.log.Warn("error applying replicated command", zap.Strings("args", cmd.Args), zap.Error(err))
			}
		}

		r.mu.Lock()
		r.processingMasterCommand = false
		r.mu.Unlock()

		if err := r.sendACK(); err != nil {
			return err
		}
	}
}

func (r *ReplicaClient) sendACK() error {
	r.mu.Lock()
	offset := r.replicationOffset
	r.mu.Unlock()

	frame := protocol.EncodeCommand([]string{"REPLCONF", "ACK", strconv.FormatInt(offset, 10)})
	return r.sendFrame(frame)
}

func (r *ReplicaClient) sendFrame(b []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == nil {
		return errors.New("not connected to master")
	}
	if _, err := r.writer.Write(b); err != nil {
		return err
	}
	return r.writer.Flush()
}

func (r *ReplicaClient) readLine() (string, error) {
	r.mu.Lock()
	reader := r.reader
	r.mu.Unlock()

	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (r *ReplicaClient) closeConn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
}
