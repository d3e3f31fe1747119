// Package engine wires the keyspace, snapshot store, history store,
// replication role, and command dispatch table into one handle, and
// owns the background task lifecycle (sweeper, heartbeat, replica run
// loop) that runs alongside the connection loop.
package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/faizanhussain2310/keyvaultd/internal/config"
	"github.com/faizanhussain2310/keyvaultd/internal/dispatch"
	"github.com/faizanhussain2310/keyvaultd/internal/history"
	"github.com/faizanhussain2310/keyvaultd/internal/metrics"
	"github.com/faizanhussain2310/keyvaultd/internal/protocol"
	"github.com/faizanhussain2310/keyvaultd/internal/replication"
	"github.com/faizanhussain2310/keyvaultd/internal/snapshot"
	"github.com/faizanhussain2310/keyvaultd/internal/store"
)

// Engine is one running keyvaultd instance: its storage, its
// replication role, and its command table.
type Engine struct {
	Config  config.Config
	Keys    *store.Keyspace
	Hist    *history.Store
	Snap    *snapshot.Store
	Role    *replication.RoleState
	Table   *dispatch.Table
	Metrics *metrics.Collectors
	log     *zap.Logger
}

// New constructs an Engine from cfg. collectors may be nil, in which
// case the sweeper updates no metrics.
func New(cfg config.Config, collectors *metrics.Collectors, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}

	snap := snapshot.New(cfg.SnapshotPath, log)
	if err := snap.Initialize(); err != nil {
		return nil, errors.Wrap(err, "failed to initialize snapshot store")
	}

	ks := store.New(snap, cfg.MaxKeys, log)
	hist := history.New()

	// The table is built with a nil role first because a replica's
	// apply callback needs to call back into the table itself (to run
	// a streamed command through the same handlers an ordinary client
	// uses, with fromMaster=true bypassing the read-only guard). Role
	// is attached to the table right after it is known.
	table := dispatch.New(ks, hist, snap, nil, cfg.BackupPath, log)

	role, err := buildRole(cfg, snap, table, log)
	if err != nil {
		return nil, err
	}
	table.Role = role

	return &Engine{
		Config:  cfg,
		Keys:    ks,
		Hist:    hist,
		Snap:    snap,
		Role:    role,
		Table:   table,
		Metrics: collectors,
		log:     log,
	}, nil
}

func buildRole(cfg config.Config, snap *snapshot.Store, table *dispatch.Table, log *zap.Logger) (*replication.RoleState, error) {
	if !cfg.IsReplica() {
		primary := replication.NewPrimary(cfg.BacklogCapacity, snap, log)
		return replication.NewPrimaryRole(primary), nil
	}

	if cfg.ReplicationMasterHost == "" {
		return nil, errors.New("replication_master_host is required when replication_role is \"replica\"")
	}

	apply := func(args []string) ([]byte, error) {
		reply := table.Execute(&protocol.Command{Args: args}, true)
		return reply, nil
	}

	client := replication.NewReplica(cfg.ReplicationMasterHost, cfg.ReplicationMasterPort, cfg.Port, snap, apply, log)
	return replication.NewReplicaRole(client), nil
}

// Run starts every background task this role requires and blocks until
// ctx is cancelled or one of them fails.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.runSweeper(ctx)
	})

	if e.Role.Role == replication.RolePrimary && e.Role.Primary != nil {
		g.Go(func() error {
			return e.Role.Primary.RunHeartbeatLoop(ctx)
		})
	}

	if e.Role.Role == replication.RoleReplica && e.Role.Replica != nil {
		g.Go(func() error {
			return e.Role.Replica.Run(ctx)
		})
	}

	return g.Wait()
}

func (e *Engine) runSweeper(ctx context.Context) error {
	interval := e.Config.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			reaped, evicted := e.Keys.Sweep()
			if e.Metrics != nil {
				e.Metrics.KeyspaceKeys.Set(float64(e.Keys.Size()))
				if reaped > 0 {
					e.Metrics.SweeperReaped.Add(float64(reaped))
				}
				if evicted > 0 {
					e.Metrics.SweeperEvicted.Add(float64(evicted))
				}
				if e.Role.Role == replication.RolePrimary && e.Role.Primary != nil {
					backlog := e.Role.Primary.Backlog()
					e.Metrics.BacklogBytes.Set(float64(backlog.CurrentOffset() - backlog.StartOffset()))
					e.Metrics.ConnectedReplicas.Set(float64(len(e.Role.Primary.Replicas())))
				}
			}
		}
	}
}
