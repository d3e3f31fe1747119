// Package protocol implements the wire codec: parsing client frames in
// array or inline framing, and encoding simple string, bulk string,
// integer, and error replies.
package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Limits enforced while parsing a frame.
const (
	MaxArgs      = 32
	MaxArgLength = 512
)

// ErrProtocol marks any malformed frame. The connection stays open;
// the caller replies with a protocol error and keeps reading.
var ErrProtocol = errors.New("protocol error")

// Command is one parsed client frame.
type Command struct {
	Args []string
}

// Name returns the uppercased command name, or "" for an empty command.
func (c *Command) Name() string {
	if c == nil || len(c.Args) == 0 {
		return ""
	}
	return strings.ToUpper(c.Args[0])
}

// ParseCommand reads exactly one frame from reader: array framing if
// the buffer starts with '*', inline framing (whitespace-separated
// tokens with the trailing CRLF stripped) otherwise.
func ParseCommand(reader *bufio.Reader) (*Command, error) {
	line, err := readLine(reader)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 {
		return nil, errors.Wrap(ErrProtocol, "empty command")
	}

	switch line[0] {
	case '*':
		return parseArray(reader, line)
	default:
		return parseInline(line)
	}
}

func parseArray(reader *bufio.Reader, firstLine string) (*Command, error) {
	count, err := strconv.Atoi(firstLine[1:])
	if err != nil {
		return nil, errors.Wrap(ErrProtocol, "invalid array length")
	}
	if count <= 0 || count > MaxArgs {
		return nil, errors.Wrap(ErrProtocol, "invalid array length")
	}

	args := make([]string, 0, count)
	for i := 0; i < count; i++ {
		line, err := readLine(reader)
		if err != nil {
			return nil, err
		}
		if len(line) == 0 || line[0] != '$' {
			return nil, errors.Wrap(ErrProtocol, "expected bulk string")
		}

		length, err := strconv.Atoi(line[1:])
		if err != nil {
			return nil, errors.Wrap(ErrProtocol, "invalid bulk string length")
		}
		if length < 0 || length > MaxArgLength {
			return nil, errors.Wrap(ErrProtocol, "bulk string too long")
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(reader, data); err != nil {
			return nil, err
		}
		if _, err := readLine(reader); err != nil {
			return nil, err
		}

		args = append(args, string(data))
	}

	return &Command{Args: args}, nil
}

func parseInline(line string) (*Command, error) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil, errors.Wrap(ErrProtocol, "empty command")
	}
	if len(args) > MaxArgs {
		return nil, errors.Wrap(ErrProtocol, "too many arguments")
	}
	for _, a := range args {
		if len(a) > MaxArgLength {
			return nil, errors.Wrap(ErrProtocol, "argument too long")
		}
	}
	return &Command{Args: args}, nil
}

func readLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// EncodeSimpleString encodes a "+<str>\r\n" reply.
func EncodeSimpleString(s string) []byte {
	return []byte(fmt.Sprintf("+%s\r\n", s))
}

// EncodeError encodes a "-<msg>\r\n" reply. Callers pass the full
// message including any error-kind prefix ("ERR", "READONLY", ...).
func EncodeError(s string) []byte {
	return []byte(fmt.Sprintf("-%s\r\n", s))
}

// EncodeInteger encodes a ":<int>\r\n" reply.
func EncodeInteger(i int) []byte {
	return []byte(fmt.Sprintf(":%d\r\n", i))
}

// EncodeInteger64 encodes a ":<int>\r\n" reply for an int64.
func EncodeInteger64(i int64) []byte {
	return []byte(fmt.Sprintf(":%d\r\n", i))
}

// EncodeBulkString encodes a "$<len>\r\n<bytes>\r\n" reply.
func EncodeBulkString(s string) []byte {
	return []byte(fmt.Sprintf("$%d\r\n%s\r\n", len(s), s))
}

// EncodeNil encodes the literal ASCII "nil" as a bulk string. This is
// intentionally not the canonical null-bulk-string encoding below.
func EncodeNil() []byte {
	return EncodeBulkString("nil")
}

// EncodeNullBulkString encodes the canonical RESP null bulk string.
// None of the commands this spec names use it; kept for completeness.
func EncodeNullBulkString() []byte {
	return []byte("$-1\r\n")
}

// EncodeArray encodes an array of bulk strings.
func EncodeArray(items []string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "*%d\r\n", len(items))
	for _, item := range items {
		fmt.Fprintf(&b, "$%d\r\n%s\r\n", len(item), item)
	}
	return []byte(b.String())
}

// EncodeRawArray wraps already-encoded RESP replies in an array frame.
func EncodeRawArray(items [][]byte) []byte {
	total := len(fmt.Sprintf("*%d\r\n", len(items)))
	for _, item := range items {
		total += len(item)
	}
	out := make([]byte, 0, total)
	out = append(out, []byte(fmt.Sprintf("*%d\r\n", len(items)))...)
	for _, item := range items {
		out = append(out, item...)
	}
	return out
}

// EncodeCommand re-serializes a command into array framing, exactly as
// a client would send it. The primary uses this to build the bytes it
// appends to the replication backlog.
func EncodeCommand(args []string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "*%d\r\n", len(args))
	for _, a := range args {
		fmt.Fprintf(&b, "$%d\r\n%s\r\n", len(a), a)
	}
	return []byte(b.String())
}
