// Package snapshot implements the on-disk database file: a fixed
// Header, a fixed-width Index, fixed-width Data records, and a Footer.
// It backs cache-miss lookups from the keyspace engine and serves as
// the transport format for full replica resync.
//
// WriteAll, and Save for a key not yet in the file, build the new file
// content in a temp file, fsync, then rename over the live path. Save
// for a key already in the file overwrites that record directly in the
// live file.
package snapshot

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Fixed field widths.
const (
	versionFieldSize     = 8
	createdAtFieldSize   = 20
	compressionFieldSize = 16
	encryptionFieldSize  = 16
	headerSize           = versionFieldSize + createdAtFieldSize + 4 + compressionFieldSize + encryptionFieldSize

	indexEntrySize = 8 + 4 // offset:u64, length:u32

	MaxKeyLen   = 256
	MaxValueLen = 1024
	dataRecordSize = 4 + 4 + MaxKeyLen + MaxValueLen // ttl:u32, type:u32, key, value

	footerSize = 64

	formatVersion = "1.0"
	// placeholderChecksum is the fixed 64-byte footer checksum this
	// implementation always writes; no hash is computed over the data.
	placeholderChecksum = "0000000000000000000000000000000000000000000000000000000000000000"

	// TypeString is the only live record type; the field is reserved
	// for future non-string types.
	TypeString uint32 = 0
)

// Record is one snapshot entry.
type Record struct {
	Key   string
	Value string
	TTL   uint32 // 0 = no expiration; otherwise an absolute Unix timestamp
	Type  uint32
}

// Expired reports whether ttl names an absolute timestamp in the past.
func (r Record) Expired(now time.Time) bool {
	return r.TTL != 0 && int64(r.TTL) < now.Unix()
}

type indexEntry struct {
	offset uint64
	length uint32
}

// Store is the single-file on-disk key/value store. All access is
// serialized by mu, a single binary-semaphore lock guarding the whole
// file.
type Store struct {
	mu   chan struct{} // binary semaphore; see Lock/Unlock below
	path string
	log  *zap.Logger

	index []indexEntry
	keys  []string // parallel to index, for the linear scan Load/Save require
}

// New returns a Store bound to path. Call Initialize before first use.
func New(path string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{mu: make(chan struct{}, 1), path: path, log: log}
	s.mu <- struct{}{}
	return s
}

func (s *Store) lock()   { <-s.mu }
func (s *Store) unlock() { s.mu <- struct{}{} }

// Initialize creates the file with an empty header, no records, and a
// footer if it does not already exist. If the file exists, its index
// is loaded into memory.
func (s *Store) Initialize() error {
	s.lock()
	defer s.unlock()

	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return s.writeAllLocked(nil)
	} else if err != nil {
		return errors.Wrap(err, "Failed to persist data")
	}

	return s.loadIndexLocked()
}

// Path returns the filesystem path backing this store.
func (s *Store) Path() string {
	return s.path
}

// Reload re-reads the header and index from disk, for use after an
// external process (e.g. a replica's full-resync rename) replaces the
// underlying file.
func (s *Store) Reload() error {
	s.lock()
	defer s.unlock()
	return s.loadIndexLocked()
}

// loadIndexLocked reads the header and index sections into memory.
func (s *Store) loadIndexLocked() error {
	f, err := os.Open(s.path)
	if err != nil {
		return errors.Wrap(err, "Failed to persist data")
	}
	defer f.Close()

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return errors.Wrap(err, "Failed to persist data")
	}
	count := binary.LittleEndian.Uint32(header[versionFieldSize+createdAtFieldSize : versionFieldSize+createdAtFieldSize+4])

	index := make([]indexEntry, 0, count)
	keys := make([]string, 0, count)
	indexBuf := make([]byte, indexEntrySize)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(f, indexBuf); err != nil {
			return errors.Wrap(err, "Failed to persist data")
		}
		entry := indexEntry{
			offset: binary.LittleEndian.Uint64(indexBuf[0:8]),
			length: binary.LittleEndian.Uint32(indexBuf[8:12]),
		}
		index = append(index, entry)
		keys = append(keys, "")
	}

	// Fill in keys by reading each data record's key field.
	for i, entry := range index {
		if _, err := f.Seek(int64(entry.offset)+8, io.SeekStart); err != nil {
			return errors.Wrap(err, "Failed to persist data")
		}
		keyBuf := make([]byte, MaxKeyLen)
		if _, err := io.ReadFull(f, keyBuf); err != nil {
			return errors.Wrap(err, "Failed to persist data")
		}
		keys[i] = cString(keyBuf)
	}

	s.index = index
	s.keys = keys
	return nil
}

// WriteAll rewrites the file atomically: header, index computed from
// cumulative data offsets, data records, footer.
func (s *Store) WriteAll(entries []Record) error {
	s.lock()
	defer s.unlock()
	return s.writeAllLocked(entries)
}

func (s *Store) writeAllLocked(entries []Record) error {
	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "Failed to persist data")
	}

	w := bufio.NewWriter(f)
	dataStart := int64(headerSize) + int64(len(entries))*indexEntrySize

	if err := writeHeader(w, uint32(len(entries))); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "Failed to persist data")
	}

	offsets := make([]uint64, len(entries))
	for i := range entries {
		offsets[i] = uint64(dataStart) + uint64(i)*dataRecordSize
	}
	for i := range entries {
		var idxBuf [indexEntrySize]byte
		binary.LittleEndian.PutUint64(idxBuf[0:8], offsets[i])
		binary.LittleEndian.PutUint32(idxBuf[8:12], dataRecordSize)
		if _, err := w.Write(idxBuf[:]); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return errors.Wrap(err, "Failed to persist data")
		}
	}

	for _, e := range entries {
		if err := writeRecord(w, e); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return errors.Wrap(err, "Failed to persist data")
		}
	}

	if err := writeFooter(w); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "Failed to persist data")
	}

	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "Failed to persist data")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "Failed to persist data")
	}
	f.Close()

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "Failed to persist data")
	}

	index := make([]indexEntry, len(entries))
	keys := make([]string, len(entries))
	for i, e := range entries {
		index[i] = indexEntry{offset: offsets[i], length: dataRecordSize}
		keys[i] = e.Key
	}
	s.index = index
	s.keys = keys
	return nil
}

// ReadAll iterates every record in the file (diagnostics, full resync).
func (s *Store) ReadAll() ([]Record, error) {
	s.lock()
	defer s.unlock()
	return s.readAllLocked()
}

func (s *Store) readAllLocked() ([]Record, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to persist data")
	}
	defer f.Close()

	out := make([]Record, 0, len(s.index))
	for _, entry := range s.index {
		rec, err := readRecordAt(f, entry.offset)
		if err != nil {
			return nil, errors.Wrap(err, "Failed to persist data")
		}
		out = append(out, rec)
	}
	return out, nil
}

// Save upserts key: overwrite in place if key already has a record,
// else rewrite the file with the new record after the existing ones
// and header/index extended by one entry.
func (s *Store) Save(key, value string, ttlSeconds uint32) error {
	s.lock()
	defer s.unlock()

	if len(key) > MaxKeyLen-1 || len(value) > MaxValueLen-1 {
		return errors.New("Failed to persist data")
	}

	rec := Record{Key: key, Value: value, TTL: ttlSeconds, Type: TypeString}

	for i, k := range s.keys {
		if k == key {
			f, err := os.OpenFile(s.path, os.O_WRONLY, 0644)
			if err != nil {
				return errors.Wrap(err, "Failed to persist data")
			}
			defer f.Close()

			if _, err := f.Seek(int64(s.index[i].offset), io.SeekStart); err != nil {
				return errors.Wrap(err, "Failed to persist data")
			}
			var buf bytes.Buffer
			if err := writeRecord(&buf, rec); err != nil {
				return errors.Wrap(err, "Failed to persist data")
			}
			if _, err := f.Write(buf.Bytes()); err != nil {
				return errors.Wrap(err, "Failed to persist data")
			}
			if err := f.Sync(); err != nil {
				return errors.Wrap(err, "Failed to persist data")
			}
			return nil
		}
	}

	// Append: load existing records, add the new one, rewrite.
	existing, err := s.readAllLocked()
	if err != nil {
		return err
	}
	existing = append(existing, rec)
	return s.writeAllLocked(existing)
}

// Load performs a linear scan of the index for key. A record whose
// stored ttl is non-zero and in the past is a miss.
func (s *Store) Load(key string) (Record, bool) {
	s.lock()
	defer s.unlock()

	for i, k := range s.keys {
		if k != key {
			continue
		}
		f, err := os.Open(s.path)
		if err != nil {
			s.log.Warn("snapshot read failed, degrading to miss", zap.Error(err))
			return Record{}, false
		}
		defer f.Close()

		rec, err := readRecordAt(f, s.index[i].offset)
		if err != nil {
			s.log.Warn("snapshot read failed, degrading to miss", zap.Error(err))
			return Record{}, false
		}
		if rec.Expired(time.Now()) {
			return Record{}, false
		}
		return rec, true
	}
	return Record{}, false
}

func writeHeader(w io.Writer, entryCount uint32) error {
	var buf [headerSize]byte
	copy(buf[0:versionFieldSize], []byte(formatVersion))
	createdAt := time.Now().UTC().Format("2006-01-02T15:04:05")
	copy(buf[versionFieldSize:versionFieldSize+createdAtFieldSize], []byte(createdAt))
	binary.LittleEndian.PutUint32(buf[versionFieldSize+createdAtFieldSize:versionFieldSize+createdAtFieldSize+4], entryCount)
	copy(buf[versionFieldSize+createdAtFieldSize+4:versionFieldSize+createdAtFieldSize+4+compressionFieldSize], []byte("None"))
	copy(buf[versionFieldSize+createdAtFieldSize+4+compressionFieldSize:], []byte("None"))
	_, err := w.Write(buf[:])
	return err
}

func writeFooter(w io.Writer) error {
	var buf [footerSize]byte
	copy(buf[:], []byte(placeholderChecksum))
	_, err := w.Write(buf[:])
	return err
}

func writeRecord(w io.Writer, r Record) error {
	var buf [dataRecordSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], r.TTL)
	binary.LittleEndian.PutUint32(buf[4:8], r.Type)
	if len(r.Key) >= MaxKeyLen || len(r.Value) >= MaxValueLen {
		return errors.New("record exceeds fixed field width")
	}
	copy(buf[8:8+MaxKeyLen], []byte(r.Key))
	copy(buf[8+MaxKeyLen:8+MaxKeyLen+MaxValueLen], []byte(r.Value))
	_, err := w.Write(buf[:])
	return err
}

func readRecordAt(f *os.File, offset uint64) (Record, error) {
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return Record{}, err
	}
	buf := make([]byte, dataRecordSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return Record{}, err
	}
	return Record{
		TTL:   binary.LittleEndian.Uint32(buf[0:4]),
		Type:  binary.LittleEndian.Uint32(buf[4:8]),
		Key:   cString(buf[8 : 8+MaxKeyLen]),
		Value: cString(buf[8+MaxKeyLen : 8+MaxKeyLen+MaxValueLen]),
	}, nil
}

// cString trims a fixed-width NUL-terminated buffer to its string content.
func cString(buf []byte) string {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		return string(buf[:i])
	}
	return string(buf)
}
