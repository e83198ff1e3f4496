// Package artifact lays out game packages on disk: one directory per game,
// one per version holding the uploaded archive next to its extracted tree,
// and a "current" symlink naming the active version.
package artifact

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// PackageFileName is the archive kept inside every version directory.
	PackageFileName = "game_package.zip"
	// CurrentLinkName is the symlink in a game directory pointing at the
	// active version.
	CurrentLinkName = "current"

	// ServerEntrypoint marks the directory inside an archive that holds the
	// server-side game files.
	ServerEntrypoint = "game_server.py"
	// ClientEntrypoint marks the client-side game files.
	ClientEntrypoint = "game_client.py"
)

// Store manages the server-side artifact tree under one root directory.
type Store struct {
	root string
}

// NewStore creates a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the artifact root directory.
func (s *Store) Root() string {
	return s.root
}

// GameDir returns the directory holding all versions of a game.
func (s *Store) GameDir(gameID int64) string {
	return filepath.Join(s.root, strconv.FormatInt(gameID, 10))
}

// VersionDir returns the directory holding one version's archive and tree.
func (s *Store) VersionDir(gameID int64, version string) string {
	return filepath.Join(s.GameDir(gameID), version)
}

// PackagePath returns the archive path inside a version directory.
func (s *Store) PackagePath(gameID int64, version string) string {
	return filepath.Join(s.VersionDir(gameID, version), PackageFileName)
}

// Install moves the uploaded archive into the version directory, extracts
// the game tree next to it, and repoints the current link. Returns the
// final archive path, which is kept for later downloads.
func (s *Store) Install(zipPath string, gameID int64, version string) (string, error) {
	versionDir := s.VersionDir(gameID, version)
	if err := os.MkdirAll(versionDir, 0o755); err != nil {
		return "", fmt.Errorf("creating version dir: %w", err)
	}

	finalPath := filepath.Join(versionDir, PackageFileName)
	if err := moveFile(zipPath, finalPath); err != nil {
		return "", err
	}
	if err := ExtractGameTree(finalPath, versionDir, ServerEntrypoint); err != nil {
		return "", err
	}
	if err := s.SetCurrent(gameID, version); err != nil {
		return "", err
	}
	return finalPath, nil
}

// SetCurrent repoints the game's current link at the version directory,
// replacing whatever held the name before.
func (s *Store) SetCurrent(gameID int64, version string) error {
	link := filepath.Join(s.GameDir(gameID), CurrentLinkName)
	if info, err := os.Lstat(link); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			if err := os.Remove(link); err != nil {
				return fmt.Errorf("unlinking current version: %w", err)
			}
		} else if err := os.RemoveAll(link); err != nil {
			return fmt.Errorf("removing stale current dir: %w", err)
		}
	}
	if err := os.Symlink(version, link); err != nil {
		return fmt.Errorf("linking current version: %w", err)
	}
	return nil
}

// ExtractGameTree extracts the archive into destDir. Archives often wrap
// the game files in one or more directories; the first directory containing
// sentinel is lifted to destDir root. Without a sentinel anywhere, the
// archive is extracted as-is.
func ExtractGameTree(zipPath, destDir, sentinel string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("creating extraction dir: %w", err)
	}
	tempDir := filepath.Join(filepath.Dir(destDir), "temp_extract_"+filepath.Base(destDir))
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return fmt.Errorf("creating temp extraction dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	if err := extractZip(zipPath, tempDir); err != nil {
		return err
	}

	sourceDir, err := findEntrypointDir(tempDir, sentinel)
	if err != nil {
		return fmt.Errorf("locating %s: %w", sentinel, err)
	}
	if sourceDir == "" {
		sourceDir = tempDir
	}

	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		return fmt.Errorf("reading extracted tree: %w", err)
	}
	for _, entry := range entries {
		dest := filepath.Join(destDir, entry.Name())
		if err := os.RemoveAll(dest); err != nil {
			return fmt.Errorf("replacing %s: %w", entry.Name(), err)
		}
		if err := os.Rename(filepath.Join(sourceDir, entry.Name()), dest); err != nil {
			return fmt.Errorf("placing %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Checksum returns the hex SHA-256 digest of the file.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// findEntrypointDir walks the tree looking for the first directory that
// contains sentinel, checking each directory before its children. Returns
// "" when no directory has it.
func findEntrypointDir(dir, sentinel string) (string, error) {
	if _, err := os.Stat(filepath.Join(dir, sentinel)); err == nil {
		return dir, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		found, err := findEntrypointDir(filepath.Join(dir, entry.Name()), sentinel)
		if err != nil {
			return "", err
		}
		if found != "" {
			return found, nil
		}
	}
	return "", nil
}

func extractZip(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if err := extractEntry(f, destDir); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(f *zip.File, destDir string) error {
	target := filepath.Join(destDir, f.Name)
	// Refuse entries that would land outside destDir.
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return fmt.Errorf("archive entry %q escapes extraction dir", f.Name)
	}
	if f.FileInfo().IsDir() {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", f.Name, err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating parent of %s: %w", f.Name, err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening archive entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	perm := f.Mode().Perm()
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("creating %s: %w", f.Name, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("extracting %s: %w", f.Name, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", f.Name, err)
	}
	return nil
}

// moveFile renames src to dst, copying across filesystems when rename
// fails.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", dst, err)
	}
	return os.Remove(src)
}
