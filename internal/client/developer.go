package client

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/gamedepot/internal/artifact"
	"github.com/gamedepot/internal/protocol"
)

// GameUpload describes a new game for UploadGame. Zero fields fall back to
// the server's defaults (version 1.0.0, 2 players, cli).
type GameUpload struct {
	Name        string
	Description string
	Version     string
	MinPlayers  int
	MaxPlayers  int
	GameType    string
}

// MyGames lists the authenticated developer's games, active and removed.
func (c *Client) MyGames(ctx context.Context) ([]protocol.OwnedGame, error) {
	var resp protocol.MyGamesResponse
	if err := c.callDecode(ctx, protocol.TypeMyGamesRequest, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Games, nil
}

// UploadGame registers a new game and streams its archive. Developer port
// only.
func (c *Client) UploadGame(ctx context.Context, game GameUpload, archivePath string, progress func(sent, total int64)) (*protocol.UploadSuccess, error) {
	size, checksum, err := describeArchive(archivePath)
	if err != nil {
		return nil, err
	}

	var ready protocol.UploadReady
	err = c.callDecode(ctx, protocol.TypeUploadStart, protocol.UploadStartRequest{
		Name:        game.Name,
		Description: game.Description,
		Version:     game.Version,
		MinPlayers:  game.MinPlayers,
		MaxPlayers:  game.MaxPlayers,
		GameType:    game.GameType,
		FileSize:    size,
		Checksum:    checksum,
	}, &ready)
	if err != nil {
		return nil, err
	}
	if !ready.Ready {
		return nil, &ServerError{Message: "server refused upload"}
	}

	return c.finishUpload(ctx, archivePath, size, progress)
}

// UpdateGame uploads a new version of an existing game the developer owns.
func (c *Client) UpdateGame(ctx context.Context, gameID int64, newVersion, changelog, archivePath string, progress func(sent, total int64)) (*protocol.UploadSuccess, error) {
	size, checksum, err := describeArchive(archivePath)
	if err != nil {
		return nil, err
	}

	var ready protocol.UploadReady
	err = c.callDecode(ctx, protocol.TypeUpdateGame, protocol.UpdateGameRequest{
		GameID:     gameID,
		NewVersion: newVersion,
		Changelog:  changelog,
		FileSize:   size,
		Checksum:   checksum,
	}, &ready)
	if err != nil {
		return nil, err
	}
	if !ready.Ready {
		return nil, &ServerError{Message: "server refused upload"}
	}

	return c.finishUpload(ctx, archivePath, size, progress)
}

// RemoveGame delists a game the developer owns.
func (c *Client) RemoveGame(ctx context.Context, gameID int64) (*protocol.RemoveSuccess, error) {
	var resp protocol.RemoveSuccess
	err := c.callDecode(ctx, protocol.TypeRemoveGame, protocol.RemoveGameRequest{GameID: gameID}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// finishUpload streams the archive chunk by chunk, each acknowledged
// before the next is sent, then closes the transfer.
func (c *Client) finishUpload(ctx context.Context, archivePath string, size int64, progress func(sent, total int64)) (*protocol.UploadSuccess, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", archivePath, err)
	}
	defer f.Close()

	chunkSize := c.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	buf := make([]byte, chunkSize)
	var sent int64
	for sent < size {
		n, err := f.Read(buf)
		if n > 0 {
			var ack protocol.UploadAck
			cerr := c.callDecode(ctx, protocol.TypeUploadChunk, protocol.UploadChunk{
				Offset: sent,
				Data:   hex.EncodeToString(buf[:n]),
			}, &ack)
			if cerr != nil {
				return nil, cerr
			}
			sent += int64(n)
			if progress != nil {
				progress(sent, size)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", archivePath, err)
		}
	}
	if sent != size {
		return nil, fmt.Errorf("archive shrank during upload: sent %d of %d bytes", sent, size)
	}

	var result protocol.UploadSuccess
	if err := c.callDecode(ctx, protocol.TypeUploadComplete, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func describeArchive(path string) (int64, string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, "", fmt.Errorf("reading %s: %w", path, err)
	}
	checksum, err := artifact.Checksum(path)
	if err != nil {
		return 0, "", err
	}
	return info.Size(), checksum, nil
}
