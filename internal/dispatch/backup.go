package dispatch

import (
	"bufio"
	"os"

	"github.com/faizanhussain2310/keyvaultd/internal/protocol"
)

// handleBackup dumps the current in-memory entries directly into
// BackupPath as a naive sequential write, one "key\tvalue\n" line per
// live entry. This is a convenience path only; unlike the snapshot
// store it has no header/index/footer and cannot be resynced from.
func handleBackup(t *Table, _ []string) []byte {
	if t.BackupPath == "" {
		return protocol.EncodeError("ERR backup path not configured")
	}

	f, err := os.Create(t.BackupPath)
	if err != nil {
		return protocol.EncodeError("ERR " + err.Error())
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, kv := range t.KS.Snapshot() {
		if _, err := w.WriteString(kv.Key); err != nil {
			return protocol.EncodeError("ERR " + err.Error())
		}
		if _, err := w.WriteString("\t"); err != nil {
			return protocol.EncodeError("ERR " + err.Error())
		}
		if _, err := w.WriteString(kv.Value); err != nil {
			return protocol.EncodeError("ERR " + err.Error())
		}
		if _, err := w.WriteString("\n"); err != nil {
			return protocol.EncodeError("ERR " + err.Error())
		}
	}
	if err := w.Flush(); err != nil {
		return protocol.EncodeError("ERR " + err.Error())
	}

	return protocol.EncodeSimpleString("OK")
}
