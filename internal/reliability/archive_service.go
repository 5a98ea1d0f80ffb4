package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	archiveTimeLayout = "2006-01-02-150405"
	metadataFilename  = "archive-metadata.json"
	minArchivesToKeep = 3
)

// Snapshotter writes a consistent copy of a database to a new file
type Snapshotter interface {
	Name() string
	VacuumInto(ctx context.Context, dest string) error
}

// ArchiveMetadata is stored inside every archive next to the database copy
type ArchiveMetadata struct {
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
	Checksum  string    `json:"checksum"`
}

// ArchiveInfo describes an archive stored off-site
type ArchiveInfo struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// ArchiveService ships tar.gz snapshots of the journal database to an
// object store.
type ArchiveService struct {
	db         Snapshotter
	store      ObjectStore
	prefix     string
	stagingDir string
	now        func() time.Time
	log        zerolog.Logger
}

// NewArchiveService creates an archive service. Keys are written under
// prefix, staging files under stagingDir.
func NewArchiveService(db Snapshotter, store ObjectStore, prefix, stagingDir string, log zerolog.Logger) *ArchiveService {
	if prefix == "" {
		prefix = "tradecore-journal-"
	}
	return &ArchiveService{
		db:         db,
		store:      store,
		prefix:     prefix,
		stagingDir: stagingDir,
		now:        func() time.Time { return time.Now().UTC() },
		log:        log.With().Str("service", "journal_archive").Logger(),
	}
}

// Archive snapshots the database, packs it with its metadata and uploads
// the result. It returns the object key.
func (s *ArchiveService) Archive(ctx context.Context) (string, error) {
	s.log.Info().Msg("Starting journal archive")
	startTime := time.Now()

	staging, err := os.MkdirTemp(s.stagingDir, "archive-")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	at := s.now()
	dbFilename := s.db.Name() + ".db"
	dbPath := filepath.Join(staging, dbFilename)
	if err := s.db.VacuumInto(ctx, dbPath); err != nil {
		return "", fmt.Errorf("failed to snapshot %s: %w", s.db.Name(), err)
	}

	info, err := os.Stat(dbPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat snapshot: %w", err)
	}
	checksum, err := calculateChecksum(dbPath)
	if err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}

	metadata := ArchiveMetadata{
		Timestamp: at,
		Database:  s.db.Name(),
		Filename:  dbFilename,
		SizeBytes: info.Size(),
		Checksum:  checksum,
	}
	metadataPath := filepath.Join(staging, metadataFilename)
	if err := writeMetadata(metadataPath, metadata); err != nil {
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}

	key := s.prefix + at.Format(archiveTimeLayout) + ".tar.gz"
	archivePath := filepath.Join(staging, "archive.tar.gz")
	if err := createArchive(archivePath, map[string]string{
		dbFilename:       dbPath,
		metadataFilename: metadataPath,
	}); err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()

	if err := s.store.Upload(ctx, key, archiveFile, "application/gzip"); err != nil {
		return "", fmt.Errorf("failed to upload archive: %w", err)
	}

	s.log.Info().
		Dur("duration_ms", time.Since(startTime)).
		Str("key", key).
		Int64("db_bytes", info.Size()).
		Str("checksum", checksum).
		Msg("Journal archive completed")
	return key, nil
}

// ListArchives returns stored archives, newest first
func (s *ArchiveService) ListArchives(ctx context.Context) ([]ArchiveInfo, error) {
	objects, err := s.store.List(ctx, s.prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}

	now := s.now()
	archives := make([]ArchiveInfo, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasPrefix(obj.Key, s.prefix) || !strings.HasSuffix(obj.Key, ".tar.gz") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(obj.Key, s.prefix), ".tar.gz")
		ts, err := time.Parse(archiveTimeLayout, stamp)
		if err != nil {
			s.log.Warn().Str("key", obj.Key).Msg("Failed to parse timestamp from archive key")
			continue
		}
		archives = append(archives, ArchiveInfo{
			Key:       obj.Key,
			Timestamp: ts,
			SizeBytes: obj.SizeBytes,
			AgeHours:  int64(now.Sub(ts).Hours()),
		})
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].Timestamp.After(archives[j].Timestamp)
	})
	return archives, nil
}

// RotateArchives deletes archives older than retentionDays, always keeping
// the newest three. A retention of 0 keeps everything.
func (s *ArchiveService) RotateArchives(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	archives, err := s.ListArchives(ctx)
	if err != nil {
		return 0, err
	}
	if len(archives) <= minArchivesToKeep {
		return 0, nil
	}

	cutoff := s.now().AddDate(0, 0, -retentionDays)
	deleted := 0
	for _, a := range archives[minArchivesToKeep:] {
		if !a.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, a.Key); err != nil {
			s.log.Error().Err(err).Str("key", a.Key).Msg("Failed to delete old archive")
			continue
		}
		deleted++
	}

	s.log.Info().
		Int("deleted", deleted).
		Int("remaining", len(archives)-deleted).
		Msg("Archive rotation completed")
	return deleted, nil
}

// calculateChecksum calculates SHA256 checksum of a file
func calculateChecksum(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeMetadata(path string, metadata ArchiveMetadata) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(metadata)
}

// createArchive writes a tar.gz holding files, keyed by name in the archive
func createArchive(archivePath string, files map[string]string) (err error) {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer func() {
		if cerr := archiveFile.Close(); err == nil {
			err = cerr
		}
	}()

	gzipWriter := gzip.NewWriter(archiveFile)
	tarWriter := tar.NewWriter(gzipWriter)

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := addFileToArchive(tarWriter, files[name], name); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", name, err)
		}
	}
	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzipWriter.Close()
}

func addFileToArchive(tarWriter *tar.Writer, filePath, nameInArchive string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tarWriter, file)
	return err
}
