package replication

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/faizanhussain2310/keyvaultd/internal/protocol"
)

// Capability names a replica may advertise via REPLCONF CAPA.
const (
	CapaPSync2    = "psync2"
	CapaEOF       = "eof"
	CapaMultiBulk = "multi-bulk"
)

// ErrUnknownSubcommand is returned for any REPLCONF subcommand not in
// the table below.
var ErrUnknownSubcommand = errors.New("ERR unknown REPLCONF subcommand")

// HandleReplConf dispatches a REPLCONF subcommand arriving from d, a
// replica connected to this primary. args does not include the
// leading "REPLCONF" token. Returns the bytes to write back to d, or
// nil if the subcommand produces no reply (ACK).
func (p *PrimaryState) HandleReplConf(d *ReplicaDescriptor, args []string) ([]byte, error) {
	if len(args) < 1 {
		return nil, errors.New("wrong number of arguments for 'replconf' command")
	}

	switch strings.ToUpper(args[0]) {
	case "ACK":
		if len(args) != 2 {
			return nil, errors.New("wrong number of arguments for 'replconf' command")
		}
		offset, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return nil, errors.New("ERR value is not an integer or out of range")
		}
		p.Ack(d, offset)
		return nil, nil

	case "LISTENING-PORT":
		if len(args) != 2 {
			return nil, errors.New("wrong number of arguments for 'replconf' command")
		}
		port, err := strconv.Atoi(args[1])
		if err != nil || port < 1 || port > 65535 {
			return nil, errors.New("ERR invalid listening port")
		}
		d.mu.Lock()
		d.ListeningPort = port
		d.mu.Unlock()
		return protocol.EncodeSimpleString("OK"), nil

	case "CAPA":
		if len(args) < 2 {
			return nil, errors.New("wrong number of arguments for 'replconf' command")
		}
		d.mu.Lock()
		for _, c := range args[1:] {
			d.Capabilities[strings.ToLower(c)] = true
		}
		d.mu.Unlock()
		return protocol.EncodeSimpleString("OK"), nil

	case "GETACK":
		if len(args) != 1 {
			return nil, errors.New("wrong number of arguments for 'replconf' command")
		}
		return protocol.EncodeCommand([]string{"REPLCONF", "GETACK", "*"}), nil

	default:
		return nil, ErrUnknownSubcommand
	}
}
