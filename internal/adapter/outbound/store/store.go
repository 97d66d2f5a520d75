// Package store implements the durable session store (C4) on top of
// bbolt, an embedded ordered key-value engine. Two buckets stand in for
// the "sessions" and "session_index" trees; bbolt's single-writer
// transactions give save() the same-logical-step guarantee the contract
// asks for without any extra coordination.
package store

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/reticlehq/reticle/internal/domain/protocol"
)

var (
	sessionsBucket     = []byte("sessions")
	sessionIndexBucket = []byte("session_index")
)

// Store is the durable session store. Safe for concurrent use; bbolt
// serializes writers internally and allows concurrent readers.
type Store struct {
	db   *bolt.DB
	path string
}

// Open opens (creating if necessary) a bbolt database at path and ensures
// both buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: opening session store: %v", protocol.ErrStorage, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionsBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(sessionIndexBucket); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: initializing buckets: %v", protocol.ErrStorage, err)
	}

	return &Store{db: db, path: path}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// indexKey builds the newest-first lexicographic sort key described in the
// contract: the bitwise complement of started_at as a zero-padded hex
// prefix, followed by the session id.
func indexKey(startedAt uint64, id string) []byte {
	inv := math.MaxUint64 - startedAt
	return []byte(fmt.Sprintf("%016x:%s", inv, id))
}

// Save inserts session into both the sessions and session_index buckets
// within a single bbolt transaction.
func (s *Store) Save(session protocol.RecordedSession) error {
	infoBytes, err := json.Marshal(toSessionInfo(session))
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrSerialization, err)
	}
	sessionBytes, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrSerialization, err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(sessionsBucket).Put([]byte(session.ID), sessionBytes); err != nil {
			return err
		}
		if err := removeStaleIndexEntry(tx, session.ID); err != nil {
			return err
		}
		return tx.Bucket(sessionIndexBucket).Put(indexKey(session.StartedAt, session.ID), infoBytes)
	})
	if err != nil {
		return fmt.Errorf("%w: saving session %s: %v", protocol.ErrStorage, session.ID, err)
	}
	return nil
}

// removeStaleIndexEntry deletes any existing session_index entry for id
// before inserting its replacement, since started_at (part of the key)
// never changes but a caller could in principle re-save under a different
// key shape across builds.
func removeStaleIndexEntry(tx *bolt.Tx, id string) error {
	b := tx.Bucket(sessionIndexBucket)
	c := b.Cursor()
	suffix := []byte(":" + id)
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if hasSuffix(k, suffix) {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
	}
	return nil
}

func hasSuffix(b, suffix []byte) bool {
	if len(b) < len(suffix) {
		return false
	}
	return string(b[len(b)-len(suffix):]) == string(suffix)
}

func toSessionInfo(session protocol.RecordedSession) protocol.SessionInfo {
	var serverName string
	if session.Metadata.ServerID != nil {
		serverName = session.Metadata.ServerID.Name
	}
	return protocol.SessionInfo{
		ID:           session.ID,
		Name:         session.Name,
		StartedAt:    session.StartedAt,
		EndedAt:      session.EndedAt,
		MessageCount: session.Metadata.MessageCount,
		DurationMs:   session.Metadata.DurationMs,
		Transport:    session.Metadata.Transport,
		ServerName:   serverName,
		Tags:         session.Metadata.Tags,
	}
}

// Load returns the full RecordedSession for id.
func (s *Store) Load(id string) (protocol.RecordedSession, error) {
	var session protocol.RecordedSession
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(sessionsBucket).Get([]byte(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &session)
	})
	if err != nil {
		return protocol.RecordedSession{}, fmt.Errorf("%w: loading session %s: %v", protocol.ErrSerialization, id, err)
	}
	if !found {
		return protocol.RecordedSession{}, fmt.Errorf("%w: session %s not found", protocol.ErrStorage, id)
	}
	return session, nil
}

// Delete removes id from both buckets.
func (s *Store) Delete(id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(sessionsBucket).Delete([]byte(id)); err != nil {
			return err
		}
		return removeStaleIndexEntry(tx, id)
	})
	if err != nil {
		return fmt.Errorf("%w: deleting session %s: %v", protocol.ErrStorage, id, err)
	}
	return nil
}

// List returns every session's listing projection, newest-first, with
// index entries deduplicated by id.
func (s *Store) List() ([]protocol.SessionInfo, error) {
	return s.ListFiltered(Filter{})
}

// Filter narrows List to sessions matching all given criteria. Tags use
// set-AND semantics: every tag in Tags must be present on the session.
type Filter struct {
	ServerName string
	Tags       []string
	Transport  string
}

func (f Filter) matches(info protocol.SessionInfo) bool {
	if f.ServerName != "" && info.ServerName != f.ServerName {
		return false
	}
	if f.Transport != "" && info.Transport != f.Transport {
		return false
	}
	for _, want := range f.Tags {
		if !containsTag(info.Tags, want) {
			return false
		}
	}
	return true
}

func containsTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

// ListFiltered returns listing projections matching filter, newest-first.
func (s *Store) ListFiltered(filter Filter) ([]protocol.SessionInfo, error) {
	var infos []protocol.SessionInfo
	seen := make(map[string]struct{})

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(sessionIndexBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var info protocol.SessionInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return err
			}
			if _, dup := seen[info.ID]; dup {
				continue
			}
			seen[info.ID] = struct{}{}
			if filter.matches(info) {
				infos = append(infos, info)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing sessions: %v", protocol.ErrSerialization, err)
	}
	return infos, nil
}

// AddSessionTags loads id, adds tags to its deduplicated tag set, and
// saves it back. Not atomic across concurrent mutators of the same id.
func (s *Store) AddSessionTags(id string, tags []string) error {
	return s.mutateTags(id, func(existing []string) []string {
		for _, t := range tags {
			existing = protocol.AddTag(existing, t)
		}
		return existing
	})
}

// RemoveSessionTags loads id, removes tags from its tag set, and saves it
// back. Not atomic across concurrent mutators of the same id.
func (s *Store) RemoveSessionTags(id string, tags []string) error {
	return s.mutateTags(id, func(existing []string) []string {
		for _, t := range tags {
			existing = protocol.RemoveTag(existing, t)
		}
		return existing
	})
}

func (s *Store) mutateTags(id string, mutate func([]string) []string) error {
	session, err := s.Load(id)
	if err != nil {
		return err
	}
	session.Metadata.Tags = mutate(session.Metadata.Tags)
	return s.Save(session)
}

// GetAllTags aggregates and deduplicates tags across every session.
func (s *Store) GetAllTags() ([]string, error) {
	infos, err := s.List()
	if err != nil {
		return nil, err
	}
	var all []string
	for _, info := range infos {
		all = append(all, info.Tags...)
	}
	result := protocol.DedupTags(all)
	sort.Strings(result)
	return result, nil
}

// GetAllServerNames aggregates and deduplicates server names across every
// session.
func (s *Store) GetAllServerNames() ([]string, error) {
	infos, err := s.List()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var names []string
	for _, info := range infos {
		if info.ServerName == "" {
			continue
		}
		if _, ok := seen[info.ServerName]; ok {
			continue
		}
		seen[info.ServerName] = struct{}{}
		names = append(names, info.ServerName)
	}
	sort.Strings(names)
	return names, nil
}
