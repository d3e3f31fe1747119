// Package dispatch implements the command-name table: case-insensitive
// lookup, arity validation, write-protection on replicas, and routing
// to the keyspace/history/snapshot/replication components. The same
// table serves ordinary client connections and the replica role's
// applied-from-master path, differing only in whether the read-only
// guard is bypassed.
package dispatch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/faizanhussain2310/keyvaultd/internal/history"
	"github.com/faizanhussain2310/keyvaultd/internal/protocol"
	"github.com/faizanhussain2310/keyvaultd/internal/replication"
	"github.com/faizanhussain2310/keyvaultd/internal/snapshot"
	"github.com/faizanhussain2310/keyvaultd/internal/store"
)

// NumLogicalDBs is the fixed SELECT capacity. Only db 0 backs a real
// keyspace; selecting any other in-range index succeeds but is a
// no-op, per the fixed-capacity-without-multi-db non-goal.
const NumLogicalDBs = 16

// handlerFunc executes one already arity-checked command. args
// excludes the command name itself.
type handlerFunc func(t *Table, args []string) []byte

type registration struct {
	fn    handlerFunc
	write bool
}

// Table is the command dispatch table bound to one engine's
// components.
type Table struct {
	commands map[string]registration

	KS   *store.Keyspace
	Hist *history.Store
	Snap *snapshot.Store
	Role *replication.RoleState

	BackupPath string
	log        *zap.Logger
}

// New builds a Table with every supported command registered.
func New(ks *store.Keyspace, hist *history.Store, snap *snapshot.Store, role *replication.RoleState, backupPath string, log *zap.Logger) *Table {
	if log == nil {
		log = zap.NewNop()
	}
	t := &Table{
		KS:         ks,
		Hist:       hist,
		Snap:       snap,
		Role:       role,
		BackupPath: backupPath,
		log:        log,
	}
	t.commands = map[string]registration{
		"PING":      {handlePing, false},
		"ECHO":      {handleEcho, false},
		"SELECT":    {handleSelect, false},
		"SET":       {handleSet, true},
		"GET":       {handleGet, false},
		"SETEX":     {handleSetEx, true},
		"GETEX":     {handleGetEx, true},
		"DEL":       {handleDel, true},
		"EXPIRE":    {handleExpire, true},
		"INCR":      {handleIncr, true},
		"MGET":      {handleBulkGet, false},
		"BULK_GET":  {handleBulkGet, false},
		"BULK_SET":  {handleBulkSet, true},
		"GETTTL":    {handleGetTTL, false},
		"COPY":      {handleCopy, true},
		"SETV":      {handleSetV, true},
		"HISTORY":   {handleHistory, false},
		"FLUSHALL":  {handleFlushAll, true},
		"BACKUP":    {handleBackup, false},
		"REPLCONF":  {handleReplConfStub, false},
	}
	return t
}

// Execute looks up cmd by name, validates read-only access for the
// replica role, runs the handler, and propagates the command to
// replicas if it succeeded and this instance is a primary.
//
// fromMaster must be true only when called from the replica role's
// applied-from-master path; it lets a write bypass the read-only
// guard, matching processing_master_command.
func (t *Table) Execute(cmd *protocol.Command, fromMaster bool) []byte {
	if cmd == nil || len(cmd.Args) == 0 {
		return protocol.EncodeError("ERR empty command")
	}

	name := strings.ToUpper(cmd.Args[0])
	reg, ok := t.commands[name]
	if !ok {
		return protocol.EncodeError(fmt.Sprintf("ERR unknown command '%s'", cmd.Args[0]))
	}

	if reg.write && !fromMaster && t.Role != nil && t.Role.IsReplica() && !t.Role.ProcessingMasterCommand() {
		return protocol.EncodeError("READONLY You can't write against a read only slave.")
	}

	reply := reg.fn(t, cmd.Args[1:])

	if reg.write && !isErrorReply(reply) && t.Role != nil {
		t.Role.Propagate(cmd.Args)
	}

	return reply
}

func isErrorReply(b []byte) bool {
	return len(b) > 0 && b[0] == '-'
}

func wrongArity(name string) []byte {
	return protocol.EncodeError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(name)))
}

func handlePing(_ *Table, args []string) []byte {
	if len(args) > 0 {
		return protocol.EncodeBulkString(args[0])
	}
	return protocol.EncodeSimpleString("PONG")
}

func handleEcho(_ *Table, args []string) []byte {
	if len(args) != 1 {
		return wrongArity("ECHO")
	}
	return protocol.EncodeBulkString(args[0])
}

func handleSelect(_ *Table, args []string) []byte {
	if len(args) != 1 {
		return wrongArity("SELECT")
	}
	idx, err := strconv.Atoi(args[0])
	if err != nil || idx < 0 || idx >= NumLogicalDBs {
		return protocol.EncodeError("ERR DB index is out of range")
	}
	return protocol.EncodeSimpleString("OK")
}

func handleSet(t *Table, args []string) []byte {
	if len(args) < 2 {
		return wrongArity("SET")
	}
	key, value := args[0], args[1]

	opts := store.SetOptions{}
	rest := args[2:]
	if len(rest)%2 != 0 {
		return protocol.EncodeError("ERR syntax error")
	}
	for i := 0; i < len(rest); i += 2 {
		switch strings.ToUpper(rest[i]) {
		case "EX":
			sec, err := strconv.ParseInt(rest[i+1], 10, 64)
			if err != nil || sec <= 0 {
				return protocol.EncodeError("ERR invalid expire time in 'set' command")
			}
			d := time.Duration(sec) * time.Second
			opts.TTL = &d
		case "CAS":
			val, err := strconv.ParseInt(rest[i+1], 10, 64)
			if err != nil {
				return protocol.EncodeError("ERR value is not an integer or out of range")
			}
			opts.CAS = &val
		default:
			return protocol.EncodeError("ERR syntax error")
		}
	}

	if err := t.KS.Set(key, value, opts); err != nil {
		return protocol.EncodeError("ERR " + err.Error())
	}
	return protocol.EncodeSimpleString("OK")
}

func handleGet(t *Table, args []string) []byte {
	if len(args) != 1 {
		return wrongArity("GET")
	}
	value, found := t.KS.Get(args[0])
	if !found {
		return protocol.EncodeNil()
	}
	return protocol.EncodeBulkString(value)
}

func handleSetEx(t *Table, args []string) []byte {
	if len(args) != 3 {
		return wrongArity("SETEX")
	}
	key, value := args[0], args[2]
	sec, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || sec <= 0 {
		return protocol.EncodeError("ERR invalid expire time in 'setex' command")
	}
	if err := t.KS.SetEx(key, value, sec); err != nil {
		return protocol.EncodeError("ERR " + err.Error())
	}
	return protocol.EncodeSimpleString("OK")
}

func handleGetEx(t *Table, args []string) []byte {
	if len(args) != 1 {
		return wrongArity("GETEX")
	}
	value, found := t.KS.GetEx(args[0])
	if !found {
		return protocol.EncodeNil()
	}
	return protocol.EncodeBulkString(value)
}

func handleDel(t *Table, args []string) []byte {
	if len(args) < 1 {
		return wrongArity("DEL")
	}
	n, err := t.KS.Del(args...)
	if err != nil {
		return protocol.EncodeError("ERR " + err.Error())
	}
	return protocol.EncodeInteger(n)
}

func handleExpire(t *Table, args []string) []byte {
	if len(args) != 2 {
		return wrongArity("EXPIRE")
	}
	sec, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return protocol.EncodeError("ERR value is not an integer or out of range")
	}
	ok, err := t.KS.Expire(args[0], sec)
	if err != nil {
		return protocol.EncodeError("ERR " + err.Error())
	}
	if !ok {
		return protocol.EncodeInteger(0)
	}
	return protocol.EncodeInteger(1)
}

func handleIncr(t *Table, args []string) []byte {
	if len(args) != 1 {
		return wrongArity("INCR")
	}
	next, err := t.KS.Incr(args[0])
	if err != nil {
		return protocol.EncodeError("ERR " + err.Error())
	}
	return protocol.EncodeInteger64(next)
}

func handleBulkGet(t *Table, args []string) []byte {
	if len(args) < 1 {
		return wrongArity("MGET")
	}
	results := t.KS.BulkGet(args)
	var b []byte
	b = append(b, []byte(fmt.Sprintf("*%d\r\n", len(results)))...)
	for _, r := range results {
		if !r.Found {
			b = append(b, protocol.EncodeNil()...)
			continue
		}
		b = append(b, protocol.EncodeBulkString(r.Value)...)
	}
	return b
}

func handleBulkSet(t *Table, args []string) []byte {
	if len(args) < 2 || len(args)%2 != 0 {
		return wrongArity("BULK_SET")
	}
	pairs := make([]store.KV, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		pairs = append(pairs, store.KV{Key: args[i], Value: args[i+1]})
	}
	t.KS.BulkSet(pairs)
	return protocol.EncodeSimpleString("OK")
}

func handleGetTTL(t *Table, args []string) []byte {
	if len(args) != 1 {
		return wrongArity("GETTTL")
	}
	value, ttl, found := t.KS.GetTTL(args[0])
	var b []byte
	b = append(b, []byte("*2\r\n")...)
	if !found {
		b = append(b, protocol.EncodeNil()...)
	} else {
		b = append(b, protocol.EncodeBulkString(value)...)
	}
	b = append(b, protocol.EncodeInteger64(ttl)...)
	return b
}

func handleCopy(t *Table, args []string) []byte {
	if len(args) != 2 && len(args) != 4 {
		return wrongArity("COPY")
	}
	src, dst := args[0], args[1]
	var ttl *time.Duration
	if len(args) == 4 {
		if strings.ToUpper(args[2]) != "EX" {
			return protocol.EncodeError("ERR syntax error")
		}
		sec, err := strconv.ParseInt(args[3], 10, 64)
		if err != nil || sec <= 0 {
			return protocol.EncodeError("ERR invalid expire time in 'copy' command")
		}
		d := time.Duration(sec) * time.Second
		ttl = &d
	}

	ok, err := t.KS.Copy(src, dst, ttl)
	if err != nil {
		return protocol.EncodeInteger(0)
	}
	if !ok {
		return protocol.EncodeInteger(0)
	}
	return protocol.EncodeInteger(1)
}

func handleSetV(t *Table, args []string) []byte {
	if len(args) != 2 {
		return wrongArity("SETV")
	}
	t.Hist.SetV(args[0], args[1])
	return protocol.EncodeSimpleString("OK")
}

func handleHistory(t *Table, args []string) []byte {
	if len(args) != 1 {
		return wrongArity("HISTORY")
	}
	versions := t.Hist.History(args[0])
	var b []byte
	b = append(b, []byte(fmt.Sprintf("*%d\r\n", len(versions)))...)
	for _, v := range versions {
		b = append(b, protocol.EncodeBulkString(v)...)
	}
	return b
}

func handleFlushAll(t *Table, _ []string) []byte {
	t.Hist.FlushAll()
	return protocol.EncodeSimpleString("OK")
}

func handleReplConfStub(_ *Table, _ []string) []byte {
	// REPLCONF arriving on an ordinary client connection (rather than
	// through the replication handshake path, which calls
	// PrimaryState.HandleReplConf directly) has nothing useful to do.
	return protocol.EncodeSimpleString("OK")
}
