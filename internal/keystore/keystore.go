// Package keystore implements the master's filesystem-backed minion key
// directory (§4.2, C2): four directories under pki_dir, one per key state,
// with atomic rename/write state transitions.
package keystore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/saltcore/master/internal/salterrors"
)

// State is one of the four places a minion's key can live, plus the
// zero-value Absent for "nowhere yet" (§3 MinionIdentity.state).
type State int

const (
	Absent State = iota
	Accepted
	Pending
	Rejected
	Denied
)

func (s State) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Pending:
		return "pending"
	case Rejected:
		return "rejected"
	case Denied:
		return "denied"
	default:
		return "absent"
	}
}

const (
	dirAccepted = "minions"
	dirPending  = "minions_pre"
	dirRejected = "minions_rejected"
	dirDenied   = "minions_denied"
)

func dirFor(s State) (string, error) {
	switch s {
	case Accepted:
		return dirAccepted, nil
	case Pending:
		return dirPending, nil
	case Rejected:
		return dirRejected, nil
	case Denied:
		return dirDenied, nil
	default:
		return "", fmt.Errorf("keystore: state %v has no backing directory", s)
	}
}

// Store is a handle onto the four key directories rooted at pkiDir.
type Store struct {
	pkiDir string
}

// Open validates pkiDir exists (creating the four subdirectories if
// missing) and returns a Store bound to it.
func Open(pkiDir string) (*Store, error) {
	if pkiDir == "" {
		return nil, fmt.Errorf("%w: pki_dir is required", salterrors.ErrConfig)
	}
	s := &Store{pkiDir: pkiDir}
	for _, d := range []string{dirAccepted, dirPending, dirRejected, dirDenied} {
		if err := os.MkdirAll(filepath.Join(pkiDir, d), 0o750); err != nil {
			return nil, fmt.Errorf("keystore: create %s: %w", d, err)
		}
	}
	return s, nil
}

// ValidID reports whether id is safe to use as a filename and as a minion
// identity: non-empty, no null bytes, no path separators, and not a
// traversal sequence (§3 MinionIdentity.id).
func ValidID(id string) bool {
	if id == "" {
		return false
	}
	if strings.ContainsRune(id, 0) {
		return false
	}
	if strings.ContainsAny(id, "/\\") {
		return false
	}
	if id == ".." {
		return false
	}
	return true
}

func (s *Store) path(state State, id string) (string, error) {
	if !ValidID(id) {
		return "", fmt.Errorf("keystore: invalid minion id %q", id)
	}
	dir, err := dirFor(state)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.pkiDir, dir, id), nil
}

// Status looks up id across accepted, rejected, then pending (the lookup
// order §4.2 specifies), returning Absent if it is nowhere.
func (s *Store) Status(id string) (State, error) {
	for _, st := range []State{Accepted, Rejected, Pending} {
		p, err := s.path(st, id)
		if err != nil {
			return Absent, err
		}
		if _, err := os.Stat(p); err == nil {
			return st, nil
		} else if !os.IsNotExist(err) {
			return Absent, err
		}
	}
	return Absent, nil
}

// LoadPub reads the raw PEM bytes stored for id under state.
func (s *Store) LoadPub(id string, state State) ([]byte, error) {
	p, err := s.path(state, id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", salterrors.ErrKeyNotFound, id)
		}
		return nil, err
	}
	return data, nil
}

// StorePub atomically creates or overwrites id's key file under state:
// write to a temp file in the same directory, then rename over the
// destination, so a concurrent reader never observes a partial write.
func (s *Store) StorePub(id string, state State, data []byte) error {
	p, err := s.path(state, id)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-"+id+"-*")
	if err != nil {
		return fmt.Errorf("keystore: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("keystore: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("keystore: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("keystore: rename into place: %w", err)
	}
	return nil
}

// Move atomically transitions id's key file from one state to another.
func (s *Store) Move(id string, from, to State) error {
	src, err := s.path(from, id)
	if err != nil {
		return err
	}
	dst, err := s.path(to, id)
	if err != nil {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("keystore: move %s -> %s: %w", from, to, err)
	}
	return nil
}

// Remove deletes id's key file under state, if present.
func (s *Store) Remove(id string, state State) error {
	p, err := s.path(state, id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ArchiveDenied stores a presented key that did not match the accepted key
// on record into minions_denied, without touching the accepted key (§3
// invariant: "the accepted key is not mutated").
func (s *Store) ArchiveDenied(id string, data []byte) error {
	return s.StorePub(id, Denied, data)
}

// Exists reports whether id has a key file under state.
func (s *Store) Exists(id string, state State) (bool, error) {
	p, err := s.path(state, id)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err == nil {
		return true, nil
	} else if os.IsNotExist(err) {
		return false, nil
	} else {
		return false, err
	}
}

// List returns the minion IDs with a key file under state, sorted.
func (s *Store) List(state State) ([]string, error) {
	dir, err := dirFor(state)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.pkiDir, dir))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}
