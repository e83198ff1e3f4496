package client

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gamedepot/internal/artifact"
	"github.com/gamedepot/internal/protocol"
)

// completeWait bounds how long a finished download waits for the trailing
// DOWNLOAD_COMPLETE frame before giving up on it.
const completeWait = 5 * time.Second

// Downloader fetches game archives over the client's connection and
// installs them under a per-player directory:
//
//	<root>/<game>/<version>/   extracted client tree
//	<root>/<game>/current      symlink to the active version
type Downloader struct {
	c    *Client
	root string
}

// NewDownloader creates a Downloader storing games under
// baseDir/<username>. The client must be logged in.
func NewDownloader(c *Client, baseDir string) (*Downloader, error) {
	p := c.Principal()
	if p == nil {
		return nil, fmt.Errorf("not logged in")
	}
	root := filepath.Join(baseDir, p.Username)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating download dir: %w", err)
	}
	return &Downloader{c: c, root: root}, nil
}

// Root returns the per-player install directory.
func (d *Downloader) Root() string {
	return d.root
}

// Download streams one game archive, verifies its checksum, extracts the
// client tree, and repoints the current link. Returns the version install
// directory. The temporary archive is removed on every path.
func (d *Downloader) Download(ctx context.Context, gameID int64, version string, progress func(received, total int64)) (string, error) {
	dl, err := d.c.beginDownload()
	if err != nil {
		return "", err
	}
	defer d.c.endDownload(dl)

	req, err := protocol.New(protocol.TypeDownloadRequest, protocol.DownloadRequest{
		GameID:  gameID,
		Version: version,
	})
	if err != nil {
		return "", err
	}
	if err := d.c.send(req); err != nil {
		return "", err
	}

	meta, err := d.readMeta(ctx, dl)
	if err != nil {
		return "", err
	}

	zipPath := filepath.Join(d.root, fmt.Sprintf("%s_%s.zip", meta.GameName, meta.Version))
	if err := d.fetchArchive(ctx, dl, meta, zipPath, progress); err != nil {
		os.Remove(zipPath)
		return "", err
	}

	sum, err := artifact.Checksum(zipPath)
	if err != nil {
		os.Remove(zipPath)
		return "", err
	}
	if sum != meta.Checksum {
		os.Remove(zipPath)
		return "", fmt.Errorf("checksum mismatch - file corrupted")
	}

	installDir, err := d.install(zipPath, meta.GameName, meta.Version)
	os.Remove(zipPath)
	if err != nil {
		return "", err
	}
	return installDir, nil
}

func (d *Downloader) readMeta(ctx context.Context, dl *download) (*protocol.DownloadMeta, error) {
	msg, err := d.c.next(ctx, dl)
	if err != nil {
		return nil, err
	}
	switch msg.Type {
	case protocol.TypeError:
		return nil, serverErrorFrom(msg)
	case protocol.TypeDownloadMeta:
		var meta protocol.DownloadMeta
		if err := msg.Decode(&meta); err != nil {
			return nil, err
		}
		return &meta, nil
	default:
		return nil, fmt.Errorf("expected download metadata, got %s", msg.Type)
	}
}

func (d *Downloader) fetchArchive(ctx context.Context, dl *download, meta *protocol.DownloadMeta, zipPath string, progress func(received, total int64)) error {
	f, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", zipPath, err)
	}

	var received int64
	for received < meta.FileSize {
		msg, err := d.c.next(ctx, dl)
		if err != nil {
			f.Close()
			return err
		}
		switch msg.Type {
		case protocol.TypeError:
			f.Close()
			return serverErrorFrom(msg)
		case protocol.TypeDownloadChunk:
			var chunk protocol.DownloadChunk
			if err := msg.Decode(&chunk); err != nil {
				f.Close()
				return err
			}
			data, err := hex.DecodeString(chunk.Data)
			if err != nil {
				f.Close()
				return fmt.Errorf("decoding chunk at %d: %w", chunk.Offset, err)
			}
			if _, err := f.Write(data); err != nil {
				f.Close()
				return fmt.Errorf("writing chunk at %d: %w", chunk.Offset, err)
			}
			received += int64(len(data))
			if progress != nil {
				progress(received, meta.FileSize)
			}
		case protocol.TypeDownloadComplete:
			f.Close()
			return fmt.Errorf("download ended early: got %d of %d bytes", received, meta.FileSize)
		default:
			f.Close()
			return fmt.Errorf("unexpected %s during download", msg.Type)
		}
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", zipPath, err)
	}

	// The trailing DOWNLOAD_COMPLETE is advisory; a server that never sends
	// it still produced a full archive.
	waitCtx, cancel := context.WithTimeout(ctx, completeWait)
	defer cancel()
	msg, err := d.c.next(waitCtx, dl)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			slog.Debug("download complete frame never arrived", "game", meta.GameName)
			return nil
		}
		return err
	}
	if msg.Type == protocol.TypeError {
		return serverErrorFrom(msg)
	}
	return nil
}

// install extracts the client tree and repoints the current link.
func (d *Downloader) install(zipPath, gameName, version string) (string, error) {
	installDir := filepath.Join(d.root, gameName, version)
	if err := artifact.ExtractGameTree(zipPath, installDir, artifact.ClientEntrypoint); err != nil {
		return "", err
	}
	if err := d.setCurrent(gameName, version); err != nil {
		return "", err
	}
	return installDir, nil
}

// setCurrent links <game>/current at the version, falling back to a plain
// directory copy on filesystems without symlinks.
func (d *Downloader) setCurrent(gameName, version string) error {
	link := filepath.Join(d.root, gameName, artifact.CurrentLinkName)
	if err := os.RemoveAll(link); err != nil {
		return fmt.Errorf("removing old current link: %w", err)
	}
	if err := os.Symlink(version, link); err == nil {
		return nil
	}
	versionDir := filepath.Join(d.root, gameName, version)
	if err := os.CopyFS(link, os.DirFS(versionDir)); err != nil {
		return fmt.Errorf("copying current version: %w", err)
	}
	return nil
}

// InstalledGame is one locally installed game.
type InstalledGame struct {
	Name    string
	Version string
	// Path is the directory to launch from, following the current link.
	Path string
}

// InstalledGames scans the install root for games with a current version.
func (d *Downloader) InstalledGames() ([]InstalledGame, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading install dir: %w", err)
	}

	var games []InstalledGame
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		gameDir := filepath.Join(d.root, entry.Name())
		current := filepath.Join(gameDir, artifact.CurrentLinkName)
		if _, err := os.Stat(current); err != nil {
			continue
		}
		games = append(games, InstalledGame{
			Name:    entry.Name(),
			Version: installedVersion(gameDir, current),
			Path:    current,
		})
	}
	return games, nil
}

// installedVersion resolves the current link to its version name, scanning
// the version directories when current is a copied directory instead.
func installedVersion(gameDir, current string) string {
	if target, err := os.Readlink(current); err == nil {
		return filepath.Base(target)
	}
	entries, err := os.ReadDir(gameDir)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if entry.IsDir() && entry.Name() != artifact.CurrentLinkName {
			return entry.Name()
		}
	}
	return ""
}

func serverErrorFrom(msg protocol.Message) error {
	var body protocol.ErrorBody
	if err := msg.Decode(&body); err != nil || body.Error == "" {
		return &ServerError{Message: "download failed"}
	}
	return &ServerError{Message: body.Error}
}
