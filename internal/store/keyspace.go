// Package store implements the concurrent in-memory keyspace: a
// string key/value map with optional TTL, lazy reap on access, a
// write-through fallback to the on-disk snapshot store, and a
// background sweeper that reaps expired entries and enforces a hard
// size cap by uniform-random eviction.
package store

import (
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/faizanhussain2310/keyvaultd/internal/snapshot"
)

const (
	MaxKeyLen   = 512
	MaxValueLen = 512

	// DefaultMaxKeys is the hard cap enforced by Sweep when no
	// configuration overrides it.
	DefaultMaxKeys = 1000

	// GetExTTL is the TTL GetEx resets a key to.
	GetExTTL = time.Hour
)

// Sentinel errors surfaced to callers; internal/dispatch renders these
// into wire error replies.
var (
	ErrCASFailed         = errors.New("CAS failed: value does not match")
	ErrNotInteger        = errors.New("value is not an integer or out of range")
	ErrKeyNotFound       = errors.New("key does not exist")
	ErrSourceKeyNotFound = errors.New("Source key does not exist")
)

type entry struct {
	value     string
	expiresAt *time.Time // nil means no expiration
}

func (e *entry) expired(now time.Time) bool {
	return e.expiresAt != nil && now.After(*e.expiresAt)
}

// SetOptions carries SET's optional EX and CAS modifiers.
type SetOptions struct {
	TTL *time.Duration
	CAS *int64
}

// KV is one key/value pair for BulkSet.
type KV struct {
	Key   string
	Value string
}

// GetResult is one answer slot for BulkGet, preserving request order.
type GetResult struct {
	Key   string
	Value string
	Found bool
}

// Keyspace is the live map guarded by a single mutex (the "keyspace
// lock"). snap may be nil, in which case Get never falls back to disk
// and Set-family persistence calls are skipped.
type Keyspace struct {
	mu      sync.Mutex
	entries map[string]*entry
	snap    *snapshot.Store
	maxKeys int
	log     *zap.Logger
}

// New constructs a Keyspace. maxKeys <= 0 selects DefaultMaxKeys.
func New(snap *snapshot.Store, maxKeys int, log *zap.Logger) *Keyspace {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Keyspace{
		entries: make(map[string]*entry),
		snap:    snap,
		maxKeys: maxKeys,
		log:     log,
	}
}

// Set stores value under key, replacing any prior value. If opts.CAS
// is set, the write only takes effect when the current value parses
// as an integer equal to *opts.CAS.
func (ks *Keyspace) Set(key, value string, opts SetOptions) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if opts.CAS != nil {
		cur, ok := ks.entries[key]
		now := time.Now()
		if !ok || cur.expired(now) {
			return ErrCASFailed
		}
		parsed, err := strconv.ParseInt(cur.value, 10, 64)
		if err != nil || parsed != *opts.CAS {
			return ErrCASFailed
		}
	}

	var expiresAt *time.Time
	if opts.TTL != nil {
		t := time.Now().Add(*opts.TTL)
		expiresAt = &t
	}
	ks.entries[key] = &entry{value: value, expiresAt: expiresAt}
	return nil
}

// Get returns the current value for key. A live hit that has expired
// is reaped and treated as a miss. On a live miss, the snapshot store
// is consulted; a hit there is copied back into the live keyspace.
func (ks *Keyspace) Get(key string) (string, bool) {
	ks.mu.Lock()
	if e, ok := ks.entries[key]; ok {
		if !e.expired(time.Now()) {
			value := e.value
			ks.mu.Unlock()
			return value, true
		}
		delete(ks.entries, key)
	}
	ks.mu.Unlock()

	if ks.snap == nil {
		return "", false
	}
	rec, found := ks.snap.Load(key)
	if !found {
		return "", false
	}

	var expiresAt *time.Time
	if rec.TTL != 0 {
		t := time.Unix(int64(rec.TTL), 0)
		expiresAt = &t
	}

	ks.mu.Lock()
	ks.entries[key] = &entry{value: rec.Value, expiresAt: expiresAt}
	ks.mu.Unlock()

	return rec.Value, true
}

// SetEx is Set with a TTL of seconds, additionally persisted to the
// snapshot store.
func (ks *Keyspace) SetEx(key, value string, seconds int64) error {
	expiresAt := time.Now().Add(time.Duration(seconds) * time.Second)

	ks.mu.Lock()
	ks.entries[key] = &entry{value: value, expiresAt: &expiresAt}
	ks.mu.Unlock()

	return ks.persist(key, value, uint32(expiresAt.Unix()))
}

// Expire attaches or refreshes a TTL on an existing live entry and
// persists it. Returns false without error if the key is absent.
func (ks *Keyspace) Expire(key string, seconds int64) (bool, error) {
	ks.mu.Lock()
	e, ok := ks.entries[key]
	if !ok {
		ks.mu.Unlock()
		return false, nil
	}
	now := time.Now()
	if e.expired(now) {
		delete(ks.entries, key)
		ks.mu.Unlock()
		return false, nil
	}

	expiresAt := now.Add(time.Duration(seconds) * time.Second)
	e.expiresAt = &expiresAt
	value := e.value
	ks.mu.Unlock()

	if err := ks.persist(key, value, uint32(expiresAt.Unix())); err != nil {
		return false, err
	}
	return true, nil
}

// Incr is IncrBy(key, 1).
func (ks *Keyspace) Incr(key string) (int64, error) {
	return ks.IncrBy(key, 1)
}

// IncrBy parses the current value as a signed 64-bit integer, adds
// delta, and writes the result back as decimal text. The key must
// already exist.
func (ks *Keyspace) IncrBy(key string, delta int64) (int64, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	e, ok := ks.entries[key]
	if ok && e.expired(time.Now()) {
		delete(ks.entries, key)
		ok = false
	}
	if !ok {
		return 0, ErrKeyNotFound
	}

	current, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, ErrNotInteger
	}

	next := current + delta
	e.value = strconv.FormatInt(next, 10)
	return next, nil
}

// Del removes each present live entry and writes a tombstone record
// (empty value, ttl=1) to the snapshot store for each. Returns the
// number of live entries actually deleted.
func (ks *Keyspace) Del(keys ...string) (int, error) {
	ks.mu.Lock()
	deleted := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := ks.entries[k]; ok {
			delete(ks.entries, k)
			deleted = append(deleted, k)
		}
	}
	ks.mu.Unlock()

	for _, k := range deleted {
		if err := ks.persist(k, "", 1); err != nil {
			return len(deleted), err
		}
	}
	return len(deleted), nil
}

// Copy duplicates src's value under dst, attaching ttl if given.
func (ks *Keyspace) Copy(src, dst string, ttl *time.Duration) (bool, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	e, ok := ks.entries[src]
	if !ok || e.expired(time.Now()) {
		if ok {
			delete(ks.entries, src)
		}
		return false, ErrSourceKeyNotFound
	}

	var expiresAt *time.Time
	if ttl != nil {
		t := time.Now().Add(*ttl)
		expiresAt = &t
	}
	ks.entries[dst] = &entry{value: e.value, expiresAt: expiresAt}
	return true, nil
}

// BulkSet applies Set with no TTL/CAS to every pair in order.
func (ks *Keyspace) BulkSet(pairs []KV) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	for _, p := range pairs {
		ks.entries[p.Key] = &entry{value: p.Value}
	}
}

// BulkGet returns one result per requested key, in order.
func (ks *Keyspace) BulkGet(keys []string) []GetResult {
	out := make([]GetResult, len(keys))
	for i, k := range keys {
		value, found := ks.Get(k)
		out[i] = GetResult{Key: k, Value: value, Found: found}
	}
	return out
}

// GetTTL returns the value (if present) and its TTL in seconds: -1 if
// the key has no expiration, is absent, or is expired.
func (ks *Keyspace) GetTTL(key string) (value string, ttl int64, found bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	e, ok := ks.entries[key]
	if !ok {
		return "", -1, false
	}
	now := time.Now()
	if e.expired(now) {
		delete(ks.entries, key)
		return "", -1, false
	}
	if e.expiresAt == nil {
		return e.value, -1, true
	}
	remaining := int64(time.Until(*e.expiresAt).Seconds())
	if remaining < 0 {
		delete(ks.entries, key)
		return "", -1, false
	}
	return e.value, remaining, true
}

// GetEx fetches key and resets its TTL to GetExTTL.
func (ks *Keyspace) GetEx(key string) (string, bool) {
	value, found := ks.Get(key)
	if !found {
		return "", false
	}

	ks.mu.Lock()
	if e, ok := ks.entries[key]; ok {
		t := time.Now().Add(GetExTTL)
		e.expiresAt = &t
	}
	ks.mu.Unlock()

	return value, true
}

// Snapshot returns a point-in-time copy of every live key/value pair,
// including not-yet-reaped expired entries. Used by the BACKUP
// convenience command, which is explicitly not the durable snapshot
// file format.
func (ks *Keyspace) Snapshot() []KV {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	out := make([]KV, 0, len(ks.entries))
	for k, e := range ks.entries {
		out = append(out, KV{Key: k, Value: e.value})
	}
	return out
}

// Size returns the current live entry count, including not-yet-reaped
// expired entries.
func (ks *Keyspace) Size() int {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return len(ks.entries)
}

// Sweep removes every expired entry, then evicts uniformly-random
// entries until the live count is at or below maxKeys. Intended to be
// called periodically by a background task; never called inline from
// a command handler.
func (ks *Keyspace) Sweep() (reaped, evicted int) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	now := time.Now()
	for k, e := range ks.entries {
		if e.expired(now) {
			delete(ks.entries, k)
			reaped++
		}
	}

	for len(ks.entries) > ks.maxKeys {
		victim := ks.randomKeyLocked()
		if victim == "" {
			break
		}
		delete(ks.entries, victim)
		evicted++
	}

	if reaped > 0 || evicted > 0 {
		ks.log.Debug("sweep completed", zap.Int("reaped", reaped), zap.Int("evicted", evicted), zap.Int("size", len(ks.entries)))
	}
	return reaped, evicted
}

// randomKeyLocked returns an arbitrary key. Go's randomized map
// iteration order makes the first key visited an effectively uniform
// sample without needing a side index; ks.mu must be held.
func (ks *Keyspace) randomKeyLocked() string {
	for k := range ks.entries {
		return k
	}
	return ""
}

func (ks *Keyspace) persist(key, value string, ttl uint32) error {
	if ks.snap == nil {
		return nil
	}
	if err := ks.snap.Save(key, value, ttl); err != nil {
		return errors.Wrap(err, "Failed to persist data")
	}
	return nil
}
