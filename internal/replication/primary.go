package replication

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/faizanhussain2310/keyvaultd/internal/protocol"
	"github.com/faizanhussain2310/keyvaultd/internal/snapshot"
)

// HeartbeatInterval is how often the primary pings every replica.
const HeartbeatInterval = 10 * time.Second

// ReplicaDeadAfter marks a replica for cleanup once its last
// acknowledgement is older than this.
const ReplicaDeadAfter = 60 * time.Second

// ReplicaDescriptor is what the primary knows about one connected
// replica.
type ReplicaDescriptor struct {
	ID             string
	Conn           net.Conn
	Addr           string
	ListeningPort  int
	Capabilities   map[string]bool
	ConnectedAt    time.Time
	LastHeartbeat  time.Time
	Offset         int64
	SyncInProgress bool

	mu     sync.Mutex
	writer *bufio.Writer
}

// PrimaryState is the master-role half of replication: the replica
// registry, the backlog, and the propagation path.
type PrimaryState struct {
	mu            sync.Mutex // serializes append-to-backlog-and-fan-out as one critical section
	replicasMu    sync.RWMutex
	replicas      map[string]*ReplicaDescriptor
	backlog       *Backlog
	replicationID string
	snap          *snapshot.Store
	log           *zap.Logger
}

// NewPrimary constructs primary-role replication state.
func NewPrimary(backlogCapacity int, snap *snapshot.Store, log *zap.Logger) *PrimaryState {
	if log == nil {
		log = zap.NewNop()
	}
	return &PrimaryState{
		replicas:      make(map[string]*ReplicaDescriptor),
		backlog:       NewBacklog(backlogCapacity),
		replicationID: uuid.NewString(),
		snap:          snap,
		log:           log,
	}
}

// ReplicationID returns the identifier this primary advertises to
// replicas during a full resync.
func (p *PrimaryState) ReplicationID() string {
	return p.replicationID
}

// Backlog exposes the propagation backlog, e.g. for metrics.
func (p *PrimaryState) Backlog() *Backlog {
	return p.backlog
}

// RegisterReplica creates a descriptor for a newly accepted replica
// connection with sync_in_progress set, per the registration contract.
func (p *PrimaryState) RegisterReplica(conn net.Conn) *ReplicaDescriptor {
	d := &ReplicaDescriptor{
		ID:             uuid.NewString(),
		Conn:           conn,
		Addr:           conn.RemoteAddr().String(),
		Capabilities:   make(map[string]bool),
		ConnectedAt:    time.Now(),
		LastHeartbeat:  time.Now(),
		SyncInProgress: true,
		writer:         bufio.NewWriter(conn),
	}

	p.replicasMu.Lock()
	p.replicas[d.ID] = d
	p.replicasMu.Unlock()

	p.log.Info("replica connected", zap.String("replica", d.ID), zap.String("addr", d.Addr))
	return d
}

// RemoveReplica closes and forgets a replica.
func (p *PrimaryState) RemoveReplica(id string) {
	p.replicasMu.Lock()
	d, ok := p.replicas[id]
	if ok {
		delete(p.replicas, id)
	}
	p.replicasMu.Unlock()

	if ok {
		d.Conn.Close()
		p.log.Info("replica disconnected", zap.String("replica", id))
	}
}

// Replica looks up a descriptor by id.
func (p *PrimaryState) Replica(id string) (*ReplicaDescriptor, bool) {
	p.replicasMu.RLock()
	defer p.replicasMu.RUnlock()
	d, ok := p.replicas[id]
	return d, ok
}

// Replicas returns a snapshot of all currently registered replicas.
func (p *PrimaryState) Replicas() []*ReplicaDescriptor {
	p.replicasMu.RLock()
	defer p.replicasMu.RUnlock()
	out := make([]*ReplicaDescriptor, 0, len(p.replicas))
	for _, d := range p.replicas {
		out = append(out, d)
	}
	return out
}

// Propagate serializes args as a client would send them, appends the
// bytes to the backlog, and fans them out to every replica that is not
// mid-sync. Append and fan-out run as one critical section so every
// replica observes the same order as the backlog.
func (p *PrimaryState) Propagate(args []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	payload := protocol.EncodeCommand(args)
	p.backlog.Append(payload)
	current := p.backlog.CurrentOffset()

	for _, d := range p.Replicas() {
		d.mu.Lock()
		if d.SyncInProgress {
			d.mu.Unlock()
			continue
		}
		if err := d.writeLocked(payload); err != nil {
			d.mu.Unlock()
			p.log.Warn("replica write failed, will be cleaned up by heartbeat", zap.String("replica", d.ID), zap.Error(err))
			continue
		}
		d.Offset = current
		d.mu.Unlock()
	}
}

func (d *ReplicaDescriptor) writeLocked(b []byte) error {
	if _, err := d.writer.Write(b); err != nil {
		return err
	}
	return d.writer.Flush()
}

// Heartbeat pings every replica and drops any that fail the write or
// whose last acknowledgement is too old.
func (p *PrimaryState) Heartbeat() {
	ping := protocol.EncodeCommand([]string{"PING"})

	for _, d := range p.Replicas() {
		d.mu.Lock()
		stale := time.Since(d.LastHeartbeat) > ReplicaDeadAfter
		writeErr := d.writeLocked(ping)
		d.mu.Unlock()

		if writeErr != nil || stale {
			p.log.Info("dropping unresponsive replica", zap.String("replica", d.ID), zap.Bool("stale", stale), zap.Error(writeErr))
			p.RemoveReplica(d.ID)
		}
	}
}

// RunHeartbeatLoop runs Heartbeat on HeartbeatInterval until ctx is done.
func (p *PrimaryState) RunHeartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Heartbeat()
		}
	}
}

// Ack records an acknowledged offset from d, refreshing its liveness.
func (p *PrimaryState) Ack(d *ReplicaDescriptor, offset int64) {
	d.mu.Lock()
	d.Offset = offset
	d.LastHeartbeat = time.Now()
	d.mu.Unlock()
}

// Sync performs the SYNC/PSYNC handshake response for d: a partial
// resync if requestedReplID/requestedOffset resolve inside the
// backlog window, else a full resync.
func (p *PrimaryState) Sync(d *ReplicaDescriptor, requestedReplID string, requestedOffset int64) error {
	if requestedReplID != "?" && requestedOffset >= 0 {
		ok, err := p.tryPartialResync(d, requestedOffset)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return p.fullResync(d)
}

func (p *PrimaryState) tryPartialResync(d *ReplicaDescriptor, offset int64) (bool, error) {
	data, ok := p.backlog.SliceFrom(offset)
	if !ok {
		return false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.writeLocked(protocol.EncodeSimpleString("CONTINUE")); err != nil {
		return true, err
	}
	if err := d.writeLocked(data); err != nil {
		return true, err
	}
	d.Offset = p.backlog.CurrentOffset()
	d.SyncInProgress = false
	d.LastHeartbeat = time.Now()
	return true, nil
}

// fullResync reads the current snapshot, writes it to a temp file in
// the same binary layout with a refreshed created_at, then streams it
// to d behind a bulk-string size header.
func (p *PrimaryState) fullResync(d *ReplicaDescriptor) error {
	entries, err := p.snap.ReadAll()
	if err != nil {
		return errors.Wrap(err, "Failed to persist data")
	}

	tmpFile, err := os.CreateTemp("", "keyvaultd-resync-*.sdb")
	if err != nil {
		return errors.Wrap(err, "Failed to persist data")
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	tmpStore := snapshot.New(tmpPath, p.log)
	if err := tmpStore.WriteAll(entries); err != nil {
		return errors.Wrap(err, "Failed to persist data")
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return errors.Wrap(err, "Failed to persist data")
	}

	current := p.backlog.CurrentOffset()
	reply := protocol.EncodeSimpleString(fmt.Sprintf("FULLRESYNC %s %d", p.replicationID, current))
	sizeHeader := []byte(fmt.Sprintf("$%d\r\n", len(data)))

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.writeLocked(reply); err != nil {
		return err
	}
	if _, err := d.writer.Write(sizeHeader); err != nil {
		return err
	}
	if err := d.writeLocked(data); err != nil {
		return err
	}

	d.Offset = current
	d.SyncInProgress = false
	d.LastHeartbeat = time.Now()
	return nil
}
