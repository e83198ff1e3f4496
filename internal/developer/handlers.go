package developer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/gamedepot/internal/artifact"
	"github.com/gamedepot/internal/db"
	"github.com/gamedepot/internal/model"
	"github.com/gamedepot/internal/protocol"
)

type handlerFunc func(ctx context.Context, c *Client, msg protocol.Message) (protocol.Message, error)

func (s *Server) handleAuth(ctx context.Context, c *Client, msg protocol.Message) (protocol.Message, error) {
	var req protocol.AuthRequest
	if err := msg.Decode(&req); err != nil {
		return protocol.NewError("Username and password required"), nil
	}
	if req.Username == "" || req.Password == "" {
		return protocol.NewError("Username and password required"), nil
	}

	dev, err := s.store.Accounts.AuthenticateDeveloper(ctx, req.Username, req.Password)
	if err != nil {
		slog.Error("developer auth failed", "username", req.Username, "error", err)
		return protocol.NewError("Authentication failed"), nil
	}
	if dev == nil {
		return protocol.New(protocol.TypeAuthResponse, protocol.AuthResponse{
			Success: false,
			Error:   "Invalid credentials",
		})
	}

	token, err := s.store.Sessions.Create(ctx, model.KindDeveloper, dev.ID, s.sessionTTL())
	if err != nil {
		slog.Error("creating developer session", "username", req.Username, "error", err)
		return protocol.NewError("Authentication failed"), nil
	}
	c.SetPrincipal(dev, token)

	slog.Info("developer authenticated", "username", dev.Username)
	return protocol.New(protocol.TypeAuthResponse, protocol.AuthResponse{
		Success:      true,
		UserID:       dev.ID,
		Username:     dev.Username,
		SessionToken: token,
	})
}

func (s *Server) handleRegister(ctx context.Context, c *Client, msg protocol.Message) (protocol.Message, error) {
	var req protocol.RegisterRequest
	if err := msg.Decode(&req); err != nil {
		return protocol.NewError("Username and password required"), nil
	}
	if req.Username == "" || req.Password == "" {
		return protocol.NewError("Username and password required"), nil
	}

	id, err := s.store.Accounts.CreateDeveloper(ctx, req.Username, req.Password, req.Email)
	if err != nil {
		if errors.Is(err, db.ErrUsernameTaken) {
			return protocol.New(protocol.TypeRegisterResponse, protocol.RegisterResponse{
				Success: false,
				Error:   "Username already exists",
			})
		}
		slog.Error("developer registration failed", "username", req.Username, "error", err)
		return protocol.NewError("Registration failed"), nil
	}

	slog.Info("new developer registered", "username", req.Username)
	return protocol.New(protocol.TypeRegisterResponse, protocol.RegisterResponse{
		Success: true,
		UserID:  id,
	})
}

func (s *Server) handleLogout(ctx context.Context, c *Client, msg protocol.Message) (protocol.Message, error) {
	if token := c.ClearPrincipal(); token != "" {
		if err := s.store.Sessions.Delete(ctx, token); err != nil {
			slog.Warn("deleting developer session", "error", err)
		}
	}
	return protocol.NewSuccess(nil)
}

func (s *Server) handleHeartbeat(ctx context.Context, c *Client, msg protocol.Message) (protocol.Message, error) {
	return protocol.NewSuccess(nil)
}

func (s *Server) handleMyGames(ctx context.Context, c *Client, msg protocol.Message) (protocol.Message, error) {
	user := c.Developer()
	if user == nil {
		return protocol.NewError("Not authenticated"), nil
	}

	games, err := s.store.Games.ListByDeveloper(ctx, user.ID)
	if err != nil {
		slog.Error("listing developer games", "developer", user.Username, "error", err)
		return protocol.NewError("Failed to list games"), nil
	}

	rows := make([]protocol.OwnedGame, 0, len(games))
	for _, g := range games {
		rows = append(rows, protocol.OwnedGame{
			ID:          g.ID,
			Name:        g.Name,
			Description: g.Description,
			Version:     g.CurrentVersion,
			Status:      g.Status,
			Downloads:   g.DownloadCount,
			Rating:      round1(g.AverageRating),
		})
	}
	return protocol.New(protocol.TypeMyGamesResponse, protocol.MyGamesResponse{Games: rows})
}

func (s *Server) handleUploadStart(ctx context.Context, c *Client, msg protocol.Message) (protocol.Message, error) {
	user := c.Developer()
	if user == nil {
		return protocol.NewError("Not authenticated"), nil
	}

	var req protocol.UploadStartRequest
	if err := msg.Decode(&req); err != nil {
		return protocol.NewError("Missing required fields"), nil
	}
	if req.Name == "" || req.FileSize == 0 || req.Checksum == "" {
		return protocol.NewError("Missing required fields"), nil
	}
	if s.cfg.MaxFileSize > 0 && req.FileSize > s.cfg.MaxFileSize {
		return protocol.NewError("File too large"), nil
	}
	if req.Version == "" {
		req.Version = "1.0.0"
	}
	if req.MinPlayers <= 0 {
		req.MinPlayers = 2
	}
	if req.MaxPlayers <= 0 {
		req.MaxPlayers = 2
	}
	if req.GameType == "" {
		req.GameType = model.GameTypeCLI
	}

	taken, err := s.store.Games.NameExists(ctx, req.Name)
	if err != nil {
		slog.Error("checking game name", "name", req.Name, "error", err)
		return protocol.NewError(fmt.Sprintf("Upload start failed: %v", err)), nil
	}
	if taken {
		slog.Warn("upload refused, game name taken", "name", req.Name, "developer", user.Username)
		return protocol.NewError("Game name already exists"), nil
	}

	// A sink from an abandoned transfer may share the target path, so drop
	// it before opening the new one.
	c.abortUpload()
	sink, path, err := s.openSink(c, req.Name+".zip")
	if err != nil {
		slog.Error("opening upload sink", "name", req.Name, "error", err)
		return protocol.NewError(fmt.Sprintf("Upload start failed: %v", err)), nil
	}

	c.upload = &upload{
		name:        req.Name,
		description: req.Description,
		version:     req.Version,
		minPlayers:  req.MinPlayers,
		maxPlayers:  req.MaxPlayers,
		gameType:    req.GameType,
		fileSize:    req.FileSize,
		checksum:    req.Checksum,
		path:        path,
		sink:        sink,
	}

	slog.Info("upload started", "name", req.Name, "developer", user.Username, "size", req.FileSize)
	return protocol.New(protocol.TypeUploadReady, protocol.UploadReady{
		Ready:        true,
		ExpectedSize: req.FileSize,
	})
}

func (s *Server) handleUploadChunk(ctx context.Context, c *Client, msg protocol.Message) (protocol.Message, error) {
	if c.upload == nil {
		return protocol.NewError("No upload in progress"), nil
	}

	var req protocol.UploadChunk
	if err := msg.Decode(&req); err != nil {
		c.abortUpload()
		return protocol.NewError("Invalid chunk data"), nil
	}
	if req.Data == "" {
		c.abortUpload()
		return protocol.NewError("No data in chunk"), nil
	}
	data, err := hex.DecodeString(req.Data)
	if err != nil {
		c.abortUpload()
		return protocol.NewError("Invalid chunk data"), nil
	}

	if err := c.upload.write(data); err != nil {
		slog.Warn("upload chunk refused", "remote", c.Addr(), "error", err)
		c.abortUpload()
		return protocol.NewError(fmt.Sprintf("Upload failed: %v", err)), nil
	}

	return protocol.NewSuccess(protocol.UploadAck{
		Received: c.upload.received,
		Progress: c.upload.progress(),
	})
}

func (s *Server) handleUploadComplete(ctx context.Context, c *Client, msg protocol.Message) (protocol.Message, error) {
	user := c.Developer()
	if user == nil {
		c.abortUpload()
		return protocol.NewError("Not authenticated"), nil
	}
	if c.upload == nil {
		return protocol.NewError("No upload in progress"), nil
	}

	u := c.upload
	c.upload = nil

	if err := u.close(); err != nil {
		os.Remove(u.path)
		return protocol.NewError(fmt.Sprintf("Upload failed: %v", err)), nil
	}
	if u.received != u.fileSize {
		os.Remove(u.path)
		return protocol.NewError("File size mismatch"), nil
	}
	sum, err := artifact.Checksum(u.path)
	if err != nil {
		os.Remove(u.path)
		return protocol.NewError(fmt.Sprintf("Upload failed: %v", err)), nil
	}
	if sum != u.checksum {
		os.Remove(u.path)
		return protocol.NewError("Checksum mismatch - file corrupted"), nil
	}

	gameID := u.gameID
	if u.update {
		game, err := s.store.Games.Get(ctx, u.gameID)
		if err != nil {
			os.Remove(u.path)
			slog.Error("loading game for update", "game_id", u.gameID, "error", err)
			return protocol.NewError(fmt.Sprintf("Upload failed: %v", err)), nil
		}
		if game == nil || game.DeveloperID != user.ID {
			os.Remove(u.path)
			return protocol.NewError("Game not found or not owned by you"), nil
		}
	} else {
		gameID, err = s.store.Games.Create(ctx, u.name, u.description, user.ID, u.version, u.minPlayers, u.maxPlayers, u.gameType)
		if err != nil {
			os.Remove(u.path)
			if errors.Is(err, db.ErrGameNameTaken) {
				return protocol.NewError("Game name already exists"), nil
			}
			slog.Error("creating game entry", "name", u.name, "error", err)
			return protocol.NewError("Failed to create game entry"), nil
		}
	}

	finalPath, err := s.artifacts.Install(u.path, gameID, u.version)
	if err != nil {
		os.Remove(u.path)
		slog.Error("installing game package", "game_id", gameID, "version", u.version, "error", err)
		return protocol.NewError(fmt.Sprintf("Upload failed: %v", err)), nil
	}

	changelog := u.changelog
	if changelog == "" {
		if u.update {
			changelog = "Update"
		} else {
			changelog = "Initial release"
		}
	}
	if _, err := s.store.Games.AddVersion(ctx, gameID, u.version, changelog, finalPath, u.fileSize, u.checksum); err != nil {
		if errors.Is(err, db.ErrVersionExists) {
			return protocol.NewError("Version already exists"), nil
		}
		slog.Error("recording game version", "game_id", gameID, "version", u.version, "error", err)
		return protocol.NewError(fmt.Sprintf("Upload failed: %v", err)), nil
	}

	if u.update {
		if _, err := s.store.Games.UpdateVersion(ctx, gameID, u.version); err != nil {
			slog.Error("updating current version", "game_id", gameID, "version", u.version, "error", err)
			return protocol.NewError(fmt.Sprintf("Upload failed: %v", err)), nil
		}
		slog.Info("game updated", "name", u.name, "version", u.version, "developer", user.Username)
		return protocol.New(protocol.TypeUploadSuccess, protocol.UploadSuccess{
			Success: true,
			GameID:  gameID,
			Message: fmt.Sprintf("Game '%s' updated to version %s!", u.name, u.version),
		})
	}

	slog.Info("game uploaded", "name", u.name, "version", u.version, "developer", user.Username)
	return protocol.New(protocol.TypeUploadSuccess, protocol.UploadSuccess{
		Success: true,
		GameID:  gameID,
		Message: fmt.Sprintf("Game '%s' uploaded successfully!", u.name),
	})
}

func (s *Server) handleUpdateGame(ctx context.Context, c *Client, msg protocol.Message) (protocol.Message, error) {
	user := c.Developer()
	if user == nil {
		return protocol.NewError("Not authenticated"), nil
	}

	var req protocol.UpdateGameRequest
	if err := msg.Decode(&req); err != nil {
		return protocol.NewError("Missing required fields"), nil
	}
	if req.GameID == 0 || req.NewVersion == "" {
		return protocol.NewError("Missing required fields"), nil
	}

	game, err := s.store.Games.Get(ctx, req.GameID)
	if err != nil {
		slog.Error("loading game", "game_id", req.GameID, "error", err)
		return protocol.NewError("Failed to load game"), nil
	}
	if game == nil || game.DeveloperID != user.ID {
		return protocol.NewError("Game not found or not owned by you"), nil
	}

	if req.FileSize == 0 || req.Checksum == "" {
		return protocol.NewError("File info required"), nil
	}
	if s.cfg.MaxFileSize > 0 && req.FileSize > s.cfg.MaxFileSize {
		return protocol.NewError("File too large"), nil
	}

	c.abortUpload()
	sink, path, err := s.openSink(c, fmt.Sprintf("update_%d_%s.zip", req.GameID, req.NewVersion))
	if err != nil {
		slog.Error("opening update sink", "game_id", req.GameID, "error", err)
		return protocol.NewError(fmt.Sprintf("Upload start failed: %v", err)), nil
	}

	c.upload = &upload{
		update:    true,
		gameID:    req.GameID,
		name:      game.Name,
		version:   req.NewVersion,
		changelog: req.Changelog,
		fileSize:  req.FileSize,
		checksum:  req.Checksum,
		path:      path,
		sink:      sink,
	}

	slog.Info("update started", "name", game.Name, "version", req.NewVersion, "developer", user.Username)
	return protocol.New(protocol.TypeUploadReady, protocol.UploadReady{
		Ready:        true,
		ExpectedSize: req.FileSize,
	})
}

func (s *Server) handleRemoveGame(ctx context.Context, c *Client, msg protocol.Message) (protocol.Message, error) {
	user := c.Developer()
	if user == nil {
		return protocol.NewError("Not authenticated"), nil
	}

	var req protocol.RemoveGameRequest
	if err := msg.Decode(&req); err != nil {
		return protocol.NewError("Game not found or not owned by you"), nil
	}

	game, err := s.store.Games.Get(ctx, req.GameID)
	if err != nil {
		slog.Error("loading game", "game_id", req.GameID, "error", err)
		return protocol.NewError("Failed to remove game"), nil
	}
	if game == nil || game.DeveloperID != user.ID {
		return protocol.NewError("Game not found or not owned by you"), nil
	}

	changed, err := s.store.Games.UpdateStatus(ctx, game.ID, model.GameStatusInactive)
	if err != nil || !changed {
		slog.Error("removing game", "game_id", game.ID, "error", err)
		return protocol.NewError("Failed to remove game"), nil
	}

	slog.Info("game removed", "name", game.Name, "developer", user.Username)
	return protocol.New(protocol.TypeRemoveSuccess, protocol.RemoveSuccess{
		Success: true,
		Message: fmt.Sprintf("Game '%s' has been removed", game.Name),
	})
}

// openSink creates the per-connection temp file chunks are written to.
func (s *Server) openSink(c *Client, filename string) (*os.File, string, error) {
	dir := filepath.Join(s.cfg.TempDir, c.Addr())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", err
	}
	path := filepath.Join(dir, filename)
	f, err := os.Create(path)
	if err != nil {
		return nil, "", err
	}
	return f, path, nil
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
