package replication

// Role tags which half of replication a running instance is acting as.
type Role int

const (
	RolePrimary Role = iota
	RoleReplica
)

func (r Role) String() string {
	if r == RoleReplica {
		return "replica"
	}
	return "primary"
}

// RoleState holds exactly one of PrimaryState or ReplicaClient, chosen
// by Role, so the dispatch layer has a single handle to decide how to
// propagate writes and whether to bypass the read-only guard.
type RoleState struct {
	Role    Role
	Primary *PrimaryState
	Replica *ReplicaClient
}

// NewPrimaryRole wraps an already-constructed PrimaryState.
func NewPrimaryRole(p *PrimaryState) *RoleState {
	return &RoleState{Role: RolePrimary, Primary: p}
}

// NewReplicaRole wraps an already-constructed ReplicaClient.
func NewReplicaRole(r *ReplicaClient) *RoleState {
	return &RoleState{Role: RoleReplica, Replica: r}
}

// IsReplica reports whether this instance is running the replica role.
func (s *RoleState) IsReplica() bool {
	return s.Role == RoleReplica
}

// ProcessingMasterCommand reports whether the replica's read loop is
// currently applying a command streamed from the primary. Always false
// for a primary. The read-only guard in dispatch uses this to let
// master-origin writes through on a replica that otherwise rejects
// writes from ordinary clients.
func (s *RoleState) ProcessingMasterCommand() bool {
	if s.Role != RoleReplica || s.Replica == nil {
		return false
	}
	return s.Replica.ProcessingMasterCommand()
}

// Propagate fans a write out to connected replicas. A no-op when this
// instance is itself a replica: replicas neither originate nor relay
// propagation.
func (s *RoleState) Propagate(args []string) {
	if s.Role == RolePrimary && s.Primary != nil {
		s.Primary.Propagate(args)
	}
}
