// Package snapshot captures a project directory tree into an immutable
// copy under "<project>/.snapshots/<id>/", where id is a random UUID,
// generalizing project_snapshots.rs's copy-then-digest walk into Go: files
// are copied byte-for-byte, and a single streaming SHA-256 (the snapshot's
// recorded content digest) is folded over every
// directory and file entry in sorted, path-normalized order so that two
// captures of an unchanged tree always produce the same digest.
package snapshot

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	snapshotRoot = ".snapshots"
	metadataFile = "metadata.json"
	filesDir     = "files"
	tmpSuffix    = ".tmp"
)

// Metadata describes one captured snapshot.
type Metadata struct {
	ID        string    `json:"id"`
	Project   string    `json:"project"`
	Created   time.Time `json:"created"`
	CreatedMS int64     `json:"created_ms"`
	Bytes     uint64    `json:"bytes"`
	Files     uint64    `json:"files"`
	Digest    string    `json:"digest"`
	Path      string    `json:"path"`
	Skipped   uint64    `json:"skipped"`
}

// Create walks projectRoot and writes a new timestamped snapshot under
// projectRoot/.snapshots/<uuid>/, copying every regular file into
// files/ alongside a metadata.json. The returned Metadata.Digest is
// deterministic: an unchanged tree always yields the same digest, and
// any file content change (or add/remove) changes it.
func Create(projectRoot, project string) (Metadata, error) {
	info, err := os.Stat(projectRoot)
	if err != nil {
		return Metadata{}, fmt.Errorf("snapshot: project %q: %w", project, err)
	}
	if !info.IsDir() {
		return Metadata{}, fmt.Errorf("snapshot: project %q: not a directory", project)
	}

	base := filepath.Join(projectRoot, snapshotRoot)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return Metadata{}, err
	}

	id := uuid.NewString()
	created := time.Now().UTC()
	tempDir := filepath.Join(base, id+tmpSuffix)
	_ = os.RemoveAll(tempDir)
	filesTemp := filepath.Join(tempDir, filesDir)
	if err := os.MkdirAll(filesTemp, 0o755); err != nil {
		return Metadata{}, err
	}

	stats := &copyStats{digest: sha256.New()}
	if err := copyTree(projectRoot, filesTemp, projectRoot, stats); err != nil {
		_ = os.RemoveAll(tempDir)
		return Metadata{}, err
	}

	meta := Metadata{
		ID:        id,
		Project:   project,
		Created:   created,
		CreatedMS: created.UnixMilli(),
		Bytes:     stats.bytes,
		Files:     stats.files,
		Digest:    hex.EncodeToString(stats.digest.Sum(nil)),
		Path:      filepath.ToSlash(filepath.Join(snapshotRoot, id)),
		Skipped:   stats.skipped,
	}

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		_ = os.RemoveAll(tempDir)
		return Metadata{}, err
	}
	if err := os.WriteFile(filepath.Join(tempDir, metadataFile), metaBytes, 0o644); err != nil {
		_ = os.RemoveAll(tempDir)
		return Metadata{}, err
	}

	finalDir := filepath.Join(base, id)
	if err := os.Rename(tempDir, finalDir); err != nil {
		_ = os.RemoveAll(tempDir)
		return Metadata{}, err
	}
	return meta, nil
}

// List returns every snapshot recorded under projectRoot/.snapshots,
// newest first, capped at limit (0 means unlimited).
func List(projectRoot, project string, limit int) ([]Metadata, error) {
	base := filepath.Join(projectRoot, snapshotRoot)
	entries, err := os.ReadDir(base)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Metadata
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(base, entry.Name(), metadataFile))
		if err != nil {
			continue
		}
		var meta Metadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedMS > out[j].CreatedMS })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type copyStats struct {
	bytes   uint64
	files   uint64
	skipped uint64
	digest  io.Writer
}

// copyTree mirrors srcDir into dstDir (both under baseRoot), folding a
// deterministic digest over every directory and file entry along the way.
// Entries are visited in sorted name order within each directory so the
// digest never depends on the host filesystem's readdir ordering.
func copyTree(srcDir, dstDir, baseRoot string, stats *copyStats) error {
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(srcDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if name == snapshotRoot {
			continue
		}
		srcPath := filepath.Join(srcDir, name)
		dstPath := filepath.Join(dstDir, name)

		info, err := entry.Info()
		if err != nil {
			continue
		}
		switch {
		case info.IsDir():
			digestDirEntry(stats, baseRoot, srcPath)
			if err := copyTree(srcPath, dstPath, baseRoot, stats); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			n, err := copyFile(srcPath, dstPath)
			if err != nil {
				return err
			}
			stats.bytes += uint64(n)
			stats.files++
			if err := digestFileEntry(stats, baseRoot, srcPath, uint64(n)); err != nil {
				return err
			}
		default:
			stats.skipped++
		}
	}
	return nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close()
	return io.Copy(out, in)
}

func normalizeRel(baseRoot, path string) string {
	rel, err := filepath.Rel(baseRoot, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func digestDirEntry(stats *copyStats, baseRoot, path string) {
	rel := normalizeRel(baseRoot, path)
	writeLengthPrefixed(stats.digest, rel)
	stats.digest.Write([]byte("D"))
}

func digestFileEntry(stats *copyStats, baseRoot, path string, size uint64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fileHash := sha256.New()
	if _, err := io.Copy(fileHash, f); err != nil {
		return err
	}

	rel := normalizeRel(baseRoot, path)
	writeLengthPrefixed(stats.digest, rel)
	stats.digest.Write([]byte("F"))
	var sizeBytes [8]byte
	binary.LittleEndian.PutUint64(sizeBytes[:], size)
	stats.digest.Write(sizeBytes[:])
	stats.digest.Write(fileHash.Sum(nil))
	return nil
}

func writeLengthPrefixed(w io.Writer, s string) {
	var lenBytes [8]byte
	binary.LittleEndian.PutUint64(lenBytes[:], uint64(len(s)))
	w.Write(lenBytes[:])
	w.Write([]byte(s))
}
