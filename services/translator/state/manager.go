// Copyright (C) 2025 Oxbow Labs (dev@oxbowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/oxbowlabs/oxbow/pkg/logging"
	"github.com/oxbowlabs/oxbow/services/translator/model"
)

// ErrNotFound is returned when a requested record does not exist. Callers
// must never receive a partially-populated entity instead.
var ErrNotFound = errors.New("state record not found")

// Key prefixes. Renaming any of these orphans existing databases.
const (
	projectPrefix  = "project/"
	sessionPrefix  = "session/"
	snapshotPrefix = "snapshot/"
)

// snapshotKeyFormat orders snapshot keys lexicographically by time so the
// latest snapshot is a reverse prefix scan away.
const snapshotKeyFormat = "20060102T150405.000000000"

// envelope wraps every persisted record with its save time, which drives
// age-based cleanup independently of the entity's own timestamps.
type envelope struct {
	SavedAt time.Time       `json:"saved_at"`
	Data    json.RawMessage `json:"data"`
}

// Manager owns the durable representation of projects, sessions, and
// snapshots. All operations serialize through one exclusive section: the
// store is the only mutable state shared between unit pipelines, and a
// half-written record is worse than a slow one.
type Manager struct {
	mu     sync.Mutex
	db     *badger.DB
	logger *logging.Logger

	// currentProject and currentSession are the records the running
	// orchestration owns. Cleanup never removes them regardless of age.
	currentProject string
	currentSession string
}

// NewManager opens the state store described by cfg.
func NewManager(cfg DBConfig, logger *logging.Logger) (*Manager, error) {
	if logger == nil {
		logger = logging.Default()
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	return &Manager{db: db, logger: logger}, nil
}

// Close releases the underlying database.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Close()
}

// SetCurrent marks the project and session records the running orchestration
// is using. Either id may be empty.
func (m *Manager) SetCurrent(projectID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentProject = projectID
	m.currentSession = sessionID
}

// SaveProject persists a full project record, units included.
func (m *Manager) SaveProject(p *model.Project) error {
	if p == nil || p.ID == "" {
		return errors.New("project must have an id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p.UpdatedAt = time.Now().UTC()
	if err := m.put(projectPrefix+p.ID, p); err != nil {
		return fmt.Errorf("save project %s: %w", p.ID, err)
	}
	m.logger.Debug("project saved", "project_id", p.ID, "units", len(p.Units))
	return nil
}

// LoadProject reconstructs a project record.
//
// Description:
//
//	Reads and validates the full project record, rejecting unknown enum
//	values and zero timestamps rather than surfacing a half-valid entity.
//
// Outputs:
//
//	*model.Project - Fully validated project.
//	error - ErrNotFound if no record exists; validation errors otherwise.
func (m *Manager) LoadProject(id string) (*model.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadProjectLocked(id)
}

// loadProjectLocked must hold m.mu.
func (m *Manager) loadProjectLocked(id string) (*model.Project, error) {
	var p model.Project
	if err := m.get(projectPrefix+id, &p); err != nil {
		return nil, fmt.Errorf("load project %s: %w", id, err)
	}
	if err := validateProject(&p); err != nil {
		return nil, fmt.Errorf("load project %s: %w", id, err)
	}
	return &p, nil
}

// SaveSession persists a session record. The in-memory unit-id sets are
// synced to their serialized slice form first.
func (m *Manager) SaveSession(s *model.TranslationSession) error {
	if s == nil || s.ID == "" {
		return errors.New("session must have an id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s.SyncIDLists()
	if err := m.put(sessionPrefix+s.ID, s); err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}

// LoadSession reconstructs a session record, rebuilding the in-memory sets
// from the serialized id lists.
func (m *Manager) LoadSession(id string) (*model.TranslationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s model.TranslationSession
	if err := m.get(sessionPrefix+id, &s); err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if err := validateSession(&s); err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	s.SyncSets()
	return &s, nil
}

// LatestSession returns the most recently saved session record. Sessions are
// keyed by id, so recency comes from the envelope save time.
func (m *Manager) LatestSession() (*model.TranslationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		found   *model.TranslationSession
		savedAt time.Time
	)
	err := m.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(sessionPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var env envelope
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			})
			if err != nil {
				m.logger.Warn("skipping unreadable session record",
					"key", string(it.Item().Key()), "error", err)
				continue
			}
			if found != nil && !env.SavedAt.After(savedAt) {
				continue
			}
			var s model.TranslationSession
			if err := json.Unmarshal(env.Data, &s); err != nil {
				continue
			}
			found = &s
			savedAt = env.SavedAt
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("latest session: %w", err)
	}
	if found == nil {
		return nil, ErrNotFound
	}
	if err := validateSession(found); err != nil {
		return nil, fmt.Errorf("latest session: %w", err)
	}
	found.SyncSets()
	return found, nil
}

// CreateSnapshot captures a point-in-time view of the session and persists
// it keyed by timestamp. Snapshots are never mutated after creation.
func (m *Manager) CreateSnapshot(s *model.TranslationSession, metadata map[string]any) (*model.StateSnapshot, error) {
	if s == nil {
		return nil, errors.New("session must not be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	snap := &model.StateSnapshot{
		Timestamp:      now,
		ProjectID:      s.ProjectID,
		SessionID:      s.ID,
		CompletedUnits: setKeys(s.CompletedUnits),
		FailedUnits:    setKeys(s.FailedUnits),
		CurrentUnit:    s.CurrentUnit,
		Progress:       s.Progress(),
		Metadata:       metadata,
	}

	key := snapshotPrefix + now.Format(snapshotKeyFormat)
	if err := m.put(key, snap); err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}
	m.logger.Info("snapshot created",
		"session_id", s.ID,
		"completed", len(snap.CompletedUnits),
		"failed", len(snap.FailedUnits),
		"progress", snap.Progress,
	)
	return snap, nil
}

// RestoreSnapshot overwrites the session's progress sets with the snapshot's
// captured state and recomputes the derived counts.
func (m *Manager) RestoreSnapshot(s *model.TranslationSession, snap *model.StateSnapshot) error {
	if s == nil || snap == nil {
		return errors.New("session and snapshot must not be nil")
	}
	if snap.SessionID != "" && snap.SessionID != s.ID {
		return fmt.Errorf("snapshot belongs to session %s, not %s", snap.SessionID, s.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s.CompletedUnits = sliceToSet(snap.CompletedUnits)
	s.FailedUnits = sliceToSet(snap.FailedUnits)
	s.CurrentUnit = snap.CurrentUnit
	s.CompletedCount = len(s.CompletedUnits)
	s.FailedCount = len(s.FailedUnits)
	s.SyncIDLists()

	m.logger.Info("snapshot restored",
		"session_id", s.ID,
		"snapshot_time", snap.Timestamp,
		"completed", s.CompletedCount,
		"failed", s.FailedCount,
	)
	return nil
}

// LatestSnapshot returns the most recently created snapshot, optionally
// filtered to one session id. Returns ErrNotFound when none exist.
func (m *Manager) LatestSnapshot(sessionID string) (*model.StateSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found *model.StateSnapshot
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(snapshotPrefix)
		// Reverse iteration seeks to the last possible key under the prefix.
		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			var snap model.StateSnapshot
			err := it.Item().Value(func(val []byte) error {
				return decodeEnvelope(val, &snap)
			})
			if err != nil {
				return err
			}
			if sessionID == "" || snap.SessionID == sessionID {
				found = &snap
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// Reconcile resolves duplicate project records for one source tree.
//
// Description:
//
//	Repeated runs against the same input can leave multiple project
//	records whose stored paths resolve to the same canonical path. This
//	finds the record matching projectPath (most recently updated wins),
//	returns its id for the caller to adopt, and deletes every other
//	record sharing that path.
//
// Outputs:
//
//	string - The surviving project id, or "" when no record matches.
//	error - Non-nil on storage failure.
func (m *Manager) Reconcile(projectPath string) (string, error) {
	canonical, err := canonicalPath(projectPath)
	if err != nil {
		return "", fmt.Errorf("reconcile %s: %w", projectPath, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	type candidate struct {
		id      string
		updated time.Time
	}
	var matches []candidate

	err = m.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(projectPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var p model.Project
			err := it.Item().Value(func(val []byte) error {
				return decodeEnvelope(val, &p)
			})
			if err != nil {
				// A corrupt record should not block reconciliation of the
				// healthy ones.
				m.logger.Warn("skipping unreadable project record",
					"key", string(it.Item().Key()), "error", err)
				continue
			}
			stored, err := canonicalPath(p.Path)
			if err != nil {
				continue
			}
			if stored == canonical {
				matches = append(matches, candidate{id: p.ID, updated: p.UpdatedAt})
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("reconcile %s: %w", projectPath, err)
	}
	if len(matches) == 0 {
		return "", nil
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].updated.After(matches[j].updated)
	})
	survivor := matches[0].id

	for _, dup := range matches[1:] {
		if err := m.delete(projectPrefix + dup.id); err != nil {
			return "", fmt.Errorf("reconcile %s: delete duplicate %s: %w", projectPath, dup.id, err)
		}
		m.logger.Info("removed duplicate project record",
			"path", canonical, "duplicate_id", dup.id, "surviving_id", survivor)
	}
	return survivor, nil
}

// CleanupOldStates removes records whose save time exceeds the retention
// window. The records belonging to the current project and session survive
// regardless of age. Returns the number of records removed.
func (m *Manager) CleanupOldStates(maxAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	protected := map[string]struct{}{}
	if m.currentProject != "" {
		protected[projectPrefix+m.currentProject] = struct{}{}
	}
	if m.currentSession != "" {
		protected[sessionPrefix+m.currentSession] = struct{}{}
	}

	var stale []string
	err := m.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			if _, ok := protected[key]; ok {
				continue
			}
			var env envelope
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			})
			if err != nil {
				continue
			}
			if env.SavedAt.Before(cutoff) {
				stale = append(stale, key)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup scan: %w", err)
	}

	for _, key := range stale {
		if err := m.delete(key); err != nil {
			return 0, fmt.Errorf("cleanup delete %s: %w", key, err)
		}
	}
	if len(stale) > 0 {
		m.logger.Info("cleaned up old state records", "removed", len(stale), "max_age", maxAge)
	}
	return len(stale), nil
}

// SummaryReport describes the store contents for status reporting.
type SummaryReport struct {
	Projects       int    `json:"projects"`
	Sessions       int    `json:"sessions"`
	Snapshots      int    `json:"snapshots"`
	CurrentProject string `json:"current_project,omitempty"`
	CurrentSession string `json:"current_session,omitempty"`
}

// Summary counts records by kind.
func (m *Manager) Summary() (*SummaryReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := &SummaryReport{
		CurrentProject: m.currentProject,
		CurrentSession: m.currentSession,
	}
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			switch {
			case strings.HasPrefix(key, projectPrefix):
				report.Projects++
			case strings.HasPrefix(key, sessionPrefix):
				report.Sessions++
			case strings.HasPrefix(key, snapshotPrefix):
				report.Snapshots++
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("summarize state: %w", err)
	}
	return report, nil
}

// put must hold m.mu.
func (m *Manager) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	env, err := json.Marshal(envelope{SavedAt: time.Now().UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), env)
	})
}

// get must hold m.mu.
func (m *Manager) get(key string, v any) error {
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return decodeEnvelope(val, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

// delete must hold m.mu.
func (m *Manager) delete(key string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func decodeEnvelope(raw []byte, v any) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

// validateProject rejects records whose enum fields or timestamps would
// otherwise flow through the system as silently invalid values.
func validateProject(p *model.Project) error {
	if p.ID == "" {
		return errors.New("project record missing id")
	}
	if p.Path == "" {
		return errors.New("project record missing path")
	}
	if p.CreatedAt.IsZero() {
		return errors.New("project record missing created_at")
	}
	for i, unit := range p.Units {
		if unit == nil {
			return fmt.Errorf("unit at index %d is null", i)
		}
		if !unit.Kind.Valid() {
			return fmt.Errorf("unit %s has invalid kind %q", unit.ID, unit.Kind)
		}
		if !unit.Status.Valid() {
			return fmt.Errorf("unit %s has invalid status %q", unit.ID, unit.Status)
		}
		if unit.CreatedAt.IsZero() {
			return fmt.Errorf("unit %s missing created_at", unit.ID)
		}
		for _, dep := range unit.Dependencies {
			if !dep.Kind.Valid() {
				return fmt.Errorf("unit %s has dependency with invalid kind %q", unit.ID, dep.Kind)
			}
		}
	}
	return nil
}

func validateSession(s *model.TranslationSession) error {
	if s.ID == "" {
		return errors.New("session record missing id")
	}
	if s.ProjectID == "" {
		return errors.New("session record missing project_id")
	}
	if s.StartedAt.IsZero() {
		return errors.New("session record missing started_at")
	}
	return nil
}

func canonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	// Symlink resolution is best-effort; the path may no longer exist for
	// stale records.
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return filepath.Clean(abs), nil
}

func setKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sliceToSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
