package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/faizanhussain2310/keyvaultd/internal/config"
	"github.com/faizanhussain2310/keyvaultd/internal/protocol"
	"github.com/faizanhussain2310/keyvaultd/internal/replication"
	"github.com/faizanhussain2310/keyvaultd/internal/store"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.SnapshotPath = filepath.Join(t.TempDir(), "snapshot.sdb")
	cfg.BackupPath = filepath.Join(t.TempDir(), "backup.rdb")
	cfg.SweepInterval = 20 * time.Millisecond
	return cfg
}

func TestNewDefaultsToPrimaryRole(t *testing.T) {
	e, err := New(testConfig(t), nil, nil)
	require.NoError(t, err)
	require.Equal(t, replication.RolePrimary, e.Role.Role)
	require.NotNil(t, e.Table.Role)
}

func TestNewReplicaRequiresMasterHost(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReplicationRole = "replica"
	_, err := New(cfg, nil, nil)
	require.Error(t, err)
}

func TestNewReplicaRoleTableAcceptsMasterWrites(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReplicationRole = "replica"
	cfg.ReplicationMasterHost = "127.0.0.1"
	cfg.ReplicationMasterPort = 6380

	e, err := New(cfg, nil, nil)
	require.NoError(t, err)
	require.Equal(t, replication.RoleReplica, e.Role.Role)
	require.NotNil(t, e.Role.Replica)

	reply := e.Table.Execute(&protocol.Command{Args: []string{"SET", "k", "v"}}, true)
	require.Equal(t, []byte("+OK\r\n"), reply)
	val, ok := e.Keys.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", val)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	e, err := New(testConfig(t), nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestRunSweepsExpiredKeys(t *testing.T) {
	e, err := New(testConfig(t), nil, nil)
	require.NoError(t, err)

	ttl := 10 * time.Millisecond
	require.NoError(t, e.Keys.Set("gone", "soon", store.SetOptions{TTL: &ttl}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	require.Eventually(t, func() bool {
		return e.Keys.Size() == 0
	}, time.Second, 10*time.Millisecond)
}
