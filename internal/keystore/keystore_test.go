package keystore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/saltcore/master/internal/salterrors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestOpenCreatesDirectories(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(dir)
	require.NoError(t, err)

	for _, d := range []string{dirAccepted, dirPending, dirRejected, dirDenied} {
		info, err := os.Stat(filepath.Join(dir, d))
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}

func TestOpenRejectsEmptyPkiDir(t *testing.T) {
	_, err := Open("")
	require.Error(t, err)
}

func TestValidID(t *testing.T) {
	cases := []struct {
		id   string
		want bool
	}{
		{"minion-01", true},
		{"", false},
		{"a/b", false},
		{"a\\b", false},
		{"..", false},
		{"foo\x00bar", false},
	}
	for _, c := range cases {
		require.Equal(t, c.want, ValidID(c.id), "id=%q", c.id)
	}
}

func TestStorePubAndLoadPub(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.StorePub("minion1", Pending, []byte("pubkey-bytes")))

	got, err := s.LoadPub("minion1", Pending)
	require.NoError(t, err)
	require.Equal(t, []byte("pubkey-bytes"), got)
}

func TestStorePubOverwritesAtomically(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.StorePub("minion1", Accepted, []byte("v1")))
	require.NoError(t, s.StorePub("minion1", Accepted, []byte("v2")))

	got, err := s.LoadPub("minion1", Accepted)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)

	entries, err := os.ReadDir(filepath.Join(s.pkiDir, dirAccepted))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no leftover temp files")
}

func TestLoadPubMissingReturnsKeyNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadPub("ghost", Accepted)
	require.ErrorIs(t, err, salterrors.ErrKeyNotFound)
}

func TestStatusLookupOrder(t *testing.T) {
	s := newTestStore(t)

	st, err := s.Status("nobody")
	require.NoError(t, err)
	require.Equal(t, Absent, st)

	require.NoError(t, s.StorePub("m1", Pending, []byte("k")))
	st, err = s.Status("m1")
	require.NoError(t, err)
	require.Equal(t, Pending, st)

	require.NoError(t, s.StorePub("m1", Accepted, []byte("k")))
	st, err = s.Status("m1")
	require.NoError(t, err)
	require.Equal(t, Accepted, st, "accepted takes precedence over pending")
}

func TestMoveTransitionsState(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.StorePub("m1", Pending, []byte("k")))

	require.NoError(t, s.Move("m1", Pending, Accepted))

	ok, err := s.Exists("m1", Pending)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := s.LoadPub("m1", Accepted)
	require.NoError(t, err)
	require.Equal(t, []byte("k"), got)
}

func TestArchiveDeniedDoesNotTouchAccepted(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.StorePub("m1", Accepted, []byte("original-key")))

	require.NoError(t, s.ArchiveDenied("m1", []byte("mismatched-key")))

	accepted, err := s.LoadPub("m1", Accepted)
	require.NoError(t, err)
	require.Equal(t, []byte("original-key"), accepted)

	denied, err := s.LoadPub("m1", Denied)
	require.NoError(t, err)
	require.Equal(t, []byte("mismatched-key"), denied)
}

func TestListSortedAndSkipsTempFiles(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.StorePub("zebra", Accepted, []byte("k")))
	require.NoError(t, s.StorePub("alpha", Accepted, []byte("k")))

	ids, err := s.List(Accepted)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "zebra"}, ids)
}

func TestPathRejectsInvalidID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.path(Accepted, "../../etc/passwd")
	require.Error(t, err)
}
