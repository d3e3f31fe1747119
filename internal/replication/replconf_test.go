package replication

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPrimaryWithReplica(t *testing.T) (*PrimaryState, *ReplicaDescriptor, net.Conn) {
	t.Helper()
	p := NewPrimary(64, nil, zap.NewNop())
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	d := p.RegisterReplica(server)
	return p, d, client
}

func TestHandleReplConfListeningPort(t *testing.T) {
	p, d, _ := newTestPrimaryWithReplica(t)

	reply, err := p.HandleReplConf(d, []string{"listening-port", "6380"})
	require.NoError(t, err)
	require.Equal(t, "+OK\r\n", string(reply))
	require.Equal(t, 6380, d.ListeningPort)
}

func TestHandleReplConfListeningPortRejectsBadArity(t *testing.T) {
	p, d, _ := newTestPrimaryWithReplica(t)

	_, err := p.HandleReplConf(d, []string{"listening-port"})
	require.Error(t, err)
}

func TestHandleReplConfCapaRecordsEachCapability(t *testing.T) {
	p, d, _ := newTestPrimaryWithReplica(t)

	reply, err := p.HandleReplConf(d, []string{"capa", CapaEOF, CapaPSync2})
	require.NoError(t, err)
	require.Equal(t, "+OK\r\n", string(reply))
	require.True(t, d.Capabilities[CapaEOF])
	require.True(t, d.Capabilities[CapaPSync2])
}

func TestHandleReplConfAckUpdatesOffsetWithoutReply(t *testing.T) {
	p, d, _ := newTestPrimaryWithReplica(t)

	reply, err := p.HandleReplConf(d, []string{"ACK", "42"})
	require.NoError(t, err)
	require.Nil(t, reply)
	require.Equal(t, int64(42), d.Offset)
}

func TestHandleReplConfAckRejectsNonInteger(t *testing.T) {
	p, d, _ := newTestPrimaryWithReplica(t)

	_, err := p.HandleReplConf(d, []string{"ACK", "nope"})
	require.Error(t, err)
}

func TestHandleReplConfGetAckBuildsFrame(t *testing.T) {
	p, d, _ := newTestPrimaryWithReplica(t)

	reply, err := p.HandleReplConf(d, []string{"GETACK"})
	require.NoError(t, err)
	require.Equal(t, "*3\r\n$8\r\nREPLCONF\r\n$6\r\nGETACK\r\n$1\r\n*\r\n", string(reply))
}

func TestHandleReplConfUnknownSubcommand(t *testing.T) {
	p, d, _ := newTestPrimaryWithReplica(t)

	_, err := p.HandleReplConf(d, []string{"BOGUS"})
	require.ErrorIs(t, err, ErrUnknownSubcommand)
}
