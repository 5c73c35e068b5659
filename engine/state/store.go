// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package state implements the observable state store: a patch-based
// document container holding the wallet's networks, accounts, requests and
// logs, with snapshot-isolated reads and subscriber fan-out, plus the Actor
// that layers validated domain mutations on top.
package state

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"opkit.org/opkit"
)

const ErrBadPatch = opkit.ErrorKind("bad patch")

// Doc is a JSON-shaped document tree. Values are the JSON scalar types,
// []interface{}, and nested Doc.
type Doc = map[string]interface{}

var (
	stateBucket = []byte("state")
	stateKey    = []byte("doc")
)

// feedBuffer is the subscriber channel capacity. A subscriber that falls
// this far behind starts missing snapshots.
const feedBuffer = 128

// Subscription is a feed of state snapshots, one per successful mutation.
type Subscription struct {
	id uint64
	C  <-chan Doc
	c  chan Doc
}

// Store is the single shared mutable resource of the engine. Every mutation
// runs behind one mutex: the patch is computed against current state and
// applied atomically, so a writer can never clobber invariants established
// by a concurrent writer. Reads and fan-out snapshots are deep copies;
// mutating them never affects stored state.
type Store struct {
	mtx sync.Mutex
	doc Doc
	db  *bbolt.DB
	log opkit.Logger

	subMtx    sync.Mutex
	subs      map[uint64]*Subscription
	nextSubID uint64
}

// Config is the Store configuration.
type Config struct {
	// Path is the bbolt database file. Empty means no persistence.
	Path   string
	Logger opkit.Logger
}

// NewStore creates a Store, loading any previously persisted document.
func NewStore(cfg *Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = opkit.Disabled
	}
	s := &Store{
		doc:  Doc{},
		log:  logger,
		subs: make(map[uint64]*Subscription),
	}
	if cfg.Path == "" {
		return s, nil
	}

	db, err := bbolt.Open(cfg.Path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("error opening state database: %w", err)
	}
	var stored []byte
	err = db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(stateBucket)
		if err != nil {
			return err
		}
		if v := bucket.Get(stateKey); v != nil {
			stored = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error loading state: %w", err)
	}
	if stored != nil {
		if err := json.Unmarshal(stored, &s.doc); err != nil {
			db.Close()
			return nil, fmt.Errorf("error decoding persisted state: %w", err)
		}
	}
	s.db = db
	return s, nil
}

// Close closes the backing database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns a deep snapshot of the current state document.
func (s *Store) Get() Doc {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return cloneDoc(s.doc)
}

// Set deep-merges the patch into the current state. Nested documents merge
// key by key; any other value replaces. A nil patch value deletes the key.
func (s *Store) Set(patch Doc) error {
	return s.apply(patch, false)
}

// Override applies the patch replacing each matched subtree wholesale
// instead of merging into it.
func (s *Store) Override(patch Doc) error {
	return s.apply(patch, true)
}

// Update runs a validate-then-patch function under the writer lock, so the
// patch is computed against the same state it is applied to. The function
// receives a snapshot; returning an error aborts with state untouched, and a
// nil patch is a no-op.
func (s *Store) Update(f func(current Doc) (patch Doc, err error)) error {
	s.mtx.Lock()
	patch, err := f(cloneDoc(s.doc))
	if err != nil {
		s.mtx.Unlock()
		return err
	}
	if patch == nil {
		s.mtx.Unlock()
		return nil
	}
	merged := mergeDoc(cloneDoc(s.doc), patch, false)
	if err := s.persist(merged); err != nil {
		s.mtx.Unlock()
		return err
	}
	s.doc = merged
	s.mtx.Unlock()

	s.broadcast()
	return nil
}

func (s *Store) apply(patch Doc, override bool) error {
	s.mtx.Lock()
	merged := mergeDoc(cloneDoc(s.doc), patch, override)
	if err := s.persist(merged); err != nil {
		s.mtx.Unlock()
		return err
	}
	s.doc = merged
	s.mtx.Unlock()

	s.broadcast()
	return nil
}

func (s *Store) persist(doc Doc) error {
	if s.db == nil {
		return nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("error encoding state: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(stateBucket).Put(stateKey, b)
	})
}

// Subscribe registers a feed of post-mutation snapshots.
func (s *Store) Subscribe() *Subscription {
	s.subMtx.Lock()
	defer s.subMtx.Unlock()
	s.nextSubID++
	c := make(chan Doc, feedBuffer)
	sub := &Subscription{id: s.nextSubID, C: c, c: c}
	s.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (s *Store) Unsubscribe(sub *Subscription) {
	s.subMtx.Lock()
	defer s.subMtx.Unlock()
	if _, found := s.subs[sub.id]; !found {
		return
	}
	delete(s.subs, sub.id)
	close(sub.c)
}

func (s *Store) broadcast() {
	snapshot := s.Get()
	s.subMtx.Lock()
	defer s.subMtx.Unlock()
	for _, sub := range s.subs {
		select {
		case sub.c <- snapshot:
		default:
			s.log.Warnf("blocking state subscriber. dropping snapshot")
		}
	}
}

// mergeDoc merges patch into dst and returns dst. With override, each patch
// key replaces the existing subtree wholesale. A nil patch value deletes the
// key either way.
func mergeDoc(dst, patch Doc, override bool) Doc {
	for k, pv := range patch {
		if pv == nil {
			delete(dst, k)
			continue
		}
		if !override {
			if pm, ok := pv.(Doc); ok {
				if dm, ok := dst[k].(Doc); ok {
					dst[k] = mergeDoc(dm, pm, false)
					continue
				}
			}
		}
		dst[k] = cloneValue(pv)
	}
	return dst
}

func cloneDoc(doc Doc) Doc {
	out := make(Doc, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch v := v.(type) {
	case Doc:
		return cloneDoc(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	default:
		// JSON scalars are immutable.
		return v
	}
}

// toDoc converts any JSON-encodable value to document form.
func toDoc(v interface{}) (Doc, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, opkit.NewError(ErrBadPatch, err.Error())
	}
	var doc Doc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, opkit.NewError(ErrBadPatch, err.Error())
	}
	return doc, nil
}

// fromDoc decodes a document subtree into a typed value.
func fromDoc(doc interface{}, v interface{}) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
