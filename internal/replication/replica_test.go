package replication

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/faizanhussain2310/keyvaultd/internal/protocol"
	"github.com/faizanhussain2310/keyvaultd/internal/snapshot"
)

func TestReplicaOffsetStartsAtZero(t *testing.T) {
	r := NewReplica("127.0.0.1", 0, 0, nil, nil, zap.NewNop())
	require.Equal(t, int64(0), r.Offset())
	require.False(t, r.ProcessingMasterCommand())
}

func TestReplicaSendFrameFailsWhenNotConnected(t *testing.T) {
	r := NewReplica("127.0.0.1", 0, 0, nil, nil, zap.NewNop())
	err := r.sendFrame([]byte("x"))
	require.Error(t, err)
}

// fakeMaster accepts one connection, answers the PING/REPLCONF/PSYNC
// handshake with a FULLRESYNC, and streams snapshotPayload as the
// resync body.
func fakeMaster(t *testing.T, snapshotPayload []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer ln.Close()
		defer conn.Close()
		r := bufio.NewReader(conn)
		w := bufio.NewWriter(conn)

		for i := 0; i < 3; i++ {
			if _, err := protocol.ParseCommand(r); err != nil {
				return
			}
			w.Write(protocol.EncodeSimpleString("OK"))
			w.Flush()
		}

		w.Write(protocol.EncodeSimpleString("FULLRESYNC abc123 0"))
		w.Flush()
		fmt.Fprintf(w, "$%d\r\n", len(snapshotPayload))
		w.Write(snapshotPayload)
		w.Flush()
	}()

	return ln.Addr().String()
}

func TestReplicaConnectAndSyncPerformsFullResync(t *testing.T) {
	dir := t.TempDir()
	replicaSnap := snapshot.New(dir+"/replica.sdb", zap.NewNop())
	require.NoError(t, replicaSnap.Initialize())

	sourceSnap := snapshot.New(dir+"/source.sdb", zap.NewNop())
	require.NoError(t, sourceSnap.Initialize())
	require.NoError(t, sourceSnap.Save("seed", "1", 0))

	payload, err := os.ReadFile(dir + "/source.sdb")
	require.NoError(t, err)

	addr := fakeMaster(t, payload)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	var port int
	_, err = fmt.Sscanf(portStr, "%d", &port)
	require.NoError(t, err)

	r := NewReplica(host, port, 6380, replicaSnap, nil, zap.NewNop())

	errCh := make(chan error, 1)
	go func() { errCh <- r.connectAndSync() }()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete in time")
	}

	require.Equal(t, "abc123", r.replicationID)
	require.Equal(t, int64(0), r.replicationOffset)

	records, err := replicaSnap.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "seed", records[0].Key)
}

func TestReplicaRunStopsWhenContextCancelled(t *testing.T) {
	r := NewReplica("127.0.0.1", 1, 0, nil, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not exit promptly after context cancellation")
	}
}
