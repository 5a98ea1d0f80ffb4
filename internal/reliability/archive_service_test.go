package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradecore/internal/database"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut error
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) Upload(_ context.Context, key string, body io.Reader, _ string) error {
	if m.failPut != nil {
		return m.failPut
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ObjectInfo
	for key, data := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, ObjectInfo{Key: key, SizeBytes: int64(len(data))})
		}
	}
	return out, nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStore) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newJournalDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "journal.db"),
		Profile: database.ProfileLedger,
		Name:    "journal",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())

	_, err = db.Conn().Exec(`INSERT INTO accounts (account_id, initial_cash, cash, version, opened_at, updated_at) VALUES ('acc', '100', '100', 1, 0, 0)`)
	require.NoError(t, err)
	return db
}

// untar returns the files of a tar.gz archive by name
func untar(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	files := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[hdr.Name] = body
	}
	return files
}

func TestArchive_UploadsVerifiableSnapshot(t *testing.T) {
	db := newJournalDB(t)
	store := newMemStore()
	svc := NewArchiveService(db, store, "", t.TempDir(), zerolog.New(nil).Level(zerolog.Disabled))
	svc.now = func() time.Time { return time.Date(2024, 3, 1, 21, 0, 5, 0, time.UTC) }

	key, err := svc.Archive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tradecore-journal-2024-03-01-210005.tar.gz", key)

	files := untar(t, store.objects[key])
	require.Contains(t, files, "journal.db")
	require.Contains(t, files, metadataFilename)

	var meta ArchiveMetadata
	require.NoError(t, json.Unmarshal(files[metadataFilename], &meta))
	assert.Equal(t, "journal", meta.Database)
	assert.Equal(t, int64(len(files["journal.db"])), meta.SizeBytes)

	restored := filepath.Join(t.TempDir(), "restored.db")
	require.NoError(t, os.WriteFile(restored, files["journal.db"], 0o600))
	sum, err := calculateChecksum(restored)
	require.NoError(t, err)
	assert.Equal(t, meta.Checksum, sum)

	conn, err := sql.Open("sqlite", restored)
	require.NoError(t, err)
	defer conn.Close()
	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM accounts`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestArchive_UploadFailure(t *testing.T) {
	db := newJournalDB(t)
	store := newMemStore()
	store.failPut = errors.New("access denied")
	staging := t.TempDir()
	svc := NewArchiveService(db, store, "j-", staging, zerolog.New(nil).Level(zerolog.Disabled))

	_, err := svc.Archive(context.Background())
	assert.ErrorContains(t, err, "access denied")

	left, err := os.ReadDir(staging)
	require.NoError(t, err)
	assert.Empty(t, left, "staging is cleaned up")
}

func TestRotateArchives_KeepsNewestThree(t *testing.T) {
	store := newMemStore()
	now := time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC)
	for _, day := range []int{1, 2, 3, 25, 29, 30} {
		key := "j-" + time.Date(2024, 3, day, 0, 0, 0, 0, time.UTC).Format(archiveTimeLayout) + ".tar.gz"
		store.objects[key] = []byte("x")
	}
	store.objects["j-not-a-date.tar.gz"] = []byte("x")

	svc := NewArchiveService(nil, store, "j-", t.TempDir(), zerolog.New(nil).Level(zerolog.Disabled))
	svc.now = func() time.Time { return now }

	archives, err := svc.ListArchives(context.Background())
	require.NoError(t, err)
	require.Len(t, archives, 6)
	assert.Equal(t, "j-2024-03-30-000000.tar.gz", archives[0].Key)
	assert.Equal(t, int64(36), archives[0].AgeHours)

	deleted, err := svc.RotateArchives(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)
	assert.Equal(t, []string{
		"j-2024-03-25-000000.tar.gz",
		"j-2024-03-29-000000.tar.gz",
		"j-2024-03-30-000000.tar.gz",
		"j-not-a-date.tar.gz",
	}, store.keys())

	deleted, err = svc.RotateArchives(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
