package lobby

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/gamedepot/internal/db"
	"github.com/gamedepot/internal/model"
	"github.com/gamedepot/internal/protocol"
)

// handlerFunc handles one request frame. A zero returned message means the
// handler wrote its replies itself; a non-nil error closes the connection.
type handlerFunc func(ctx context.Context, c *Client, msg protocol.Message) (protocol.Message, error)

func (s *Server) handleAuth(ctx context.Context, c *Client, msg protocol.Message) (protocol.Message, error) {
	var req protocol.AuthRequest
	if err := msg.Decode(&req); err != nil {
		return protocol.NewError("Malformed message"), nil
	}
	if req.Username == "" || req.Password == "" {
		return protocol.NewError("Username and password required"), nil
	}

	player, err := s.store.Accounts.AuthenticatePlayer(ctx, req.Username, req.Password)
	if err != nil {
		slog.Error("player auth failed", "username", req.Username, "error", err)
		return protocol.NewError("Authentication failed"), nil
	}
	if player == nil {
		return protocol.New(protocol.TypeAuthResponse, protocol.AuthResponse{
			Success: false,
			Error:   "Invalid credentials",
		})
	}

	token, err := s.store.Sessions.Create(ctx, model.KindPlayer, player.ID, s.sessionTTL())
	if err != nil {
		slog.Error("creating session", "username", req.Username, "error", err)
		return protocol.NewError("Authentication failed"), nil
	}

	c.SetPrincipal(player, token)
	slog.Info("player authenticated", "username", player.Username, "remote", c.Addr())

	return protocol.New(protocol.TypeAuthResponse, protocol.AuthResponse{
		Success:      true,
		UserID:       player.ID,
		Username:     player.Username,
		SessionToken: token,
	})
}

func (s *Server) handleRegister(ctx context.Context, c *Client, msg protocol.Message) (protocol.Message, error) {
	var req protocol.RegisterRequest
	if err := msg.Decode(&req); err != nil {
		return protocol.NewError("Malformed message"), nil
	}
	if req.Username == "" || req.Password == "" {
		return protocol.NewError("Username and password required"), nil
	}

	id, err := s.store.Accounts.CreatePlayer(ctx, req.Username, req.Password, req.Email)
	if errors.Is(err, db.ErrUsernameTaken) {
		return protocol.New(protocol.TypeRegisterResponse, protocol.RegisterResponse{
			Success: false,
			Error:   "Username already exists",
		})
	}
	if err != nil {
		slog.Error("player registration failed", "username", req.Username, "error", err)
		return protocol.NewError("Registration failed"), nil
	}

	slog.Info("new player registered", "username", req.Username)
	return protocol.New(protocol.TypeRegisterResponse, protocol.RegisterResponse{
		Success:  true,
		UserID:   id,
		Username: req.Username,
	})
}

func (s *Server) handleLogout(ctx context.Context, c *Client, msg protocol.Message) (protocol.Message, error) {
	token := c.ClearPrincipal()
	if token != "" {
		if err := s.store.Sessions.Delete(ctx, token); err != nil {
			slog.Warn("deleting session on logout", "error", err)
		}
	}
	return protocol.NewSuccess(nil)
}

func (s *Server) handleHeartbeat(ctx context.Context, c *Client, msg protocol.Message) (protocol.Message, error) {
	return protocol.NewSuccess(nil)
}

func (s *Server) handleGameList(ctx context.Context, c *Client, msg protocol.Message) (protocol.Message, error) {
	games, err := s.store.Games.ListActive(ctx)
	if err != nil {
		slog.Error("listing games", "error", err)
		return protocol.NewError("Failed to list games"), nil
	}

	list := make([]protocol.GameSummary, 0, len(games))
	for _, g := range games {
		list = append(list, gameSummary(g))
	}
	return protocol.New(protocol.TypeGameListResponse, protocol.GameListResponse{Games: list})
}

func (s *Server) handleGameDetail(ctx context.Context, c *Client, msg protocol.Message) (protocol.Message, error) {
	var req protocol.GameDetailRequest
	if err := msg.Decode(&req); err != nil {
		return protocol.NewError("Malformed message"), nil
	}
	if req.GameID == 0 {
		return protocol.NewError("Game ID required"), nil
	}

	game, err := s.store.Games.Get(ctx, req.GameID)
	if err != nil {
		slog.Error("loading game", "gameID", req.GameID, "error", err)
		return protocol.NewError("Failed to load game"), nil
	}
	if game == nil {
		return protocol.NewError("Game not found"), nil
	}

	reviews, err := s.store.Reviews.ListForGame(ctx, req.GameID, 10)
	if err != nil {
		slog.Error("loading reviews", "gameID", req.GameID, "error", err)
		return protocol.NewError("Failed to load game"), nil
	}

	return protocol.New(protocol.TypeGameDetailResponse, protocol.GameDetailResponse{
		Game:    protocol.GameDetail{GameSummary: gameSummary(*game), CreatedAt: game.CreatedAt},
		Reviews: reviewRows(reviews),
	})
}

func (s *Server) handleDownload(ctx context.Context, c *Client, msg protocol.Message) (protocol.Message, error) {
	var req protocol.DownloadRequest
	if err := msg.Decode(&req); err != nil {
		return protocol.NewError("Malformed message"), nil
	}

	user := c.Player()
	if user == nil {
		return protocol.NewError("Not authenticated"), nil
	}

	game, err := s.store.Games.Get(ctx, req.GameID)
	if err != nil {
		slog.Error("loading game", "gameID", req.GameID, "error", err)
		return protocol.NewError("Game not available"), nil
	}
	if game == nil || game.Status != model.GameStatusActive {
		return protocol.NewError("Game not available"), nil
	}

	var version *model.GameVersion
	if req.Version != "" {
		version, err = s.store.Games.GetVersion(ctx, req.GameID, req.Version)
	} else {
		version, err = s.store.Games.LatestVersion(ctx, req.GameID)
	}
	if err != nil {
		slog.Error("loading version", "gameID", req.GameID, "error", err)
		return protocol.NewError("Version not found"), nil
	}
	if version == nil {
		return protocol.NewError("Version not found"), nil
	}

	if _, err := os.Stat(version.FilePath); err != nil {
		slog.Error("archive missing", "gameID", game.ID, "path", version.FilePath, "error", err)
		return protocol.NewError("Game file not found on server"), nil
	}

	meta, err := protocol.New(protocol.TypeDownloadMeta, protocol.DownloadMeta{
		GameID:   game.ID,
		GameName: game.Name,
		Version:  version.Version,
		FileSize: version.FileSize,
		Checksum: version.Checksum,
	})
	if err != nil {
		return protocol.Message{}, err
	}
	if err := c.Send(meta); err != nil {
		return protocol.Message{}, fmt.Errorf("sending download meta: %w", err)
	}

	sent, err := s.streamArchive(c, version.FilePath)
	if err != nil {
		if isSendError(err) {
			return protocol.Message{}, err
		}
		slog.Error("download failed", "gameID", game.ID, "error", err)
		return protocol.NewError(fmt.Sprintf("Download failed: %v", err)), nil
	}

	if err := s.store.Downloads.Record(ctx, game.ID, user.ID, version.Version); err != nil {
		slog.Error("recording download", "gameID", game.ID, "error", err)
		return protocol.NewError(fmt.Sprintf("Download failed: %v", err)), nil
	}

	slog.Info("download complete", "username", user.Username, "game", game.Name,
		"version", version.Version, "bytes", sent)

	return protocol.New(protocol.TypeDownloadComplete, protocol.DownloadComplete{
		Success:   true,
		BytesSent: sent,
	})
}

// sendError marks a transport failure while streaming, which must close the
// connection instead of producing an ERROR reply.
type sendError struct{ err error }

func (e sendError) Error() string { return e.err.Error() }
func (e sendError) Unwrap() error { return e.err }

func isSendError(err error) bool {
	var se sendError
	return errors.As(err, &se)
}

// streamArchive sends the archive as hex chunks and returns the byte count.
func (s *Server) streamArchive(c *Client, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	chunkSize := s.cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 8192
	}

	buf := make([]byte, chunkSize)
	var sent int64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			chunk, merr := protocol.New(protocol.TypeDownloadChunk, protocol.DownloadChunk{
				Offset: sent,
				Data:   hex.EncodeToString(buf[:n]),
			})
			if merr != nil {
				return sent, merr
			}
			if serr := c.Send(chunk); serr != nil {
				return sent, sendError{fmt.Errorf("sending chunk at %d: %w", sent, serr)}
			}
			sent += int64(n)
		}
		if errors.Is(err, io.EOF) {
			return sent, nil
		}
		if err != nil {
			return sent, fmt.Errorf("reading archive: %w", err)
		}
	}
}

func (s *Server) handleCheckUpdate(ctx context.Context, c *Client, msg protocol.Message) (protocol.Message, error) {
	var req protocol.CheckUpdateRequest
	if err := msg.Decode(&req); err != nil {
		return protocol.NewError("Malformed message"), nil
	}

	game, err := s.store.Games.Get(ctx, req.GameID)
	if err != nil {
		slog.Error("loading game", "gameID", req.GameID, "error", err)
		return protocol.NewError("Game not found"), nil
	}
	if game == nil {
		return protocol.NewError("Game not found"), nil
	}

	return protocol.New(protocol.TypeUpdateAvailable, protocol.UpdateAvailable{
		UpdateAvailable: game.CurrentVersion != req.CurrentVersion,
		CurrentVersion:  req.CurrentVersion,
		LatestVersion:   game.CurrentVersion,
	})
}

func (s *Server) handleRoomList(ctx context.Context, c *Client, msg protocol.Message) (protocol.Message, error) {
	rooms, err := s.store.Rooms.ListActive(ctx, time.Now().Add(-s.roomTTL()))
	if err != nil {
		slog.Error("listing rooms", "error", err)
		return protocol.NewError("Failed to list rooms"), nil
	}

	list := make([]protocol.RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		list = append(list, protocol.RoomSummary{
			ID:             r.ID,
			Name:           r.Name,
			RoomCode:       r.RoomCode,
			GameID:         r.GameID,
			GameName:       r.GameName,
			HostName:       r.HostName,
			CurrentPlayers: r.CurrentPlayers,
			MaxPlayers:     r.MaxPlayers,
			Status:         r.Status,
		})
	}
	return protocol.New(protocol.TypeRoomListResponse, protocol.RoomListResponse{Rooms: list})
}

func (s *Server) handleCreateRoom(ctx context.Context, c *Client, msg protocol.Message) (protocol.Message, error) {
	user := c.Player()
	if user == nil {
		return protocol.NewError("Not authenticated"), nil
	}

	var req protocol.CreateRoomRequest
	if err := msg.Decode(&req); err != nil {
		return protocol.NewError("Malformed message"), nil
	}
	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%s's Room", user.Username)
	}
	maxPlayers := req.MaxPlayers
	if maxPlayers <= 0 {
		maxPlayers = 4
	}

	game, err := s.store.Games.Get(ctx, req.GameID)
	if err != nil {
		slog.Error("loading game", "gameID", req.GameID, "error", err)
		return protocol.NewError("Game not available"), nil
	}
	if game == nil || game.Status != model.GameStatusActive {
		return protocol.NewError("Game not available"), nil
	}

	room, err := s.store.Rooms.Create(ctx, game.ID, user.ID, name, maxPlayers)
	if err != nil {
		slog.Error("creating room", "gameID", game.ID, "host", user.Username, "error", err)
		return protocol.NewError("Failed to create room"), nil
	}

	slog.Info("room created", "roomID", room.ID, "code", room.RoomCode,
		"host", user.Username, "game", game.Name)

	return protocol.New(protocol.TypeRoomCreated, protocol.RoomCreated{
		Success:  true,
		RoomID:   room.ID,
		RoomCode: room.RoomCode,
		RoomName: name,
	})
}

func (s *Server) handleJoinRoom(ctx context.Context, c *Client, msg protocol.Message) (protocol.Message, error) {
	user := c.Player()
	if user == nil {
		return protocol.NewError("Not authenticated"), nil
	}

	var req protocol.JoinRoomRequest
	if err := msg.Decode(&req); err != nil {
		return protocol.NewError("Malformed message"), nil
	}

	if err := s.store.Rooms.Join(ctx, req.RoomID, user.ID); err != nil {
		switch {
		case errors.Is(err, db.ErrRoomNotFound):
			return protocol.NewError("Room not found"), nil
		case errors.Is(err, db.ErrRoomNotWaiting):
			return protocol.NewError("Room is not accepting players"), nil
		case errors.Is(err, db.ErrRoomFull):
			return protocol.NewError("Room is full"), nil
		default:
			if !errors.Is(err, db.ErrAlreadyInRoom) {
				slog.Error("joining room", "roomID", req.RoomID, "error", err)
			}
			return protocol.NewError("Already in room or failed to join"), nil
		}
	}

	slog.Info("player joined room", "username", user.Username, "roomID", req.RoomID)

	// Reply to the joiner before the broadcast so a slow member cannot
	// stall the response.
	joined, err := protocol.New(protocol.TypeRoomJoined, protocol.RoomJoined{Success: true, RoomID: req.RoomID})
	if err != nil {
		return protocol.Message{}, err
	}
	if err := c.Send(joined); err != nil {
		return protocol.Message{}, fmt.Errorf("sending join response: %w", err)
	}

	go s.broadcastRoomUpdate(ctx, req.RoomID)

	return protocol.Message{}, nil
}

func (s *Server) handleLeaveRoom(ctx context.Context, c *Client, msg protocol.Message) (protocol.Message, error) {
	user := c.Player()
	if user == nil {
		return protocol.NewError("Not authenticated"), nil
	}

	var req protocol.LeaveRoomRequest
	if err := msg.Decode(&req); err != nil {
		return protocol.NewError("Malformed message"), nil
	}

	hostClosed, err := s.store.Rooms.Leave(ctx, req.RoomID, user.ID)
	if err != nil {
		slog.Error("leaving room", "roomID", req.RoomID, "error", err)
		return protocol.NewError("Failed to leave room"), nil
	}
	if hostClosed {
		slog.Info("host left, room closed", "username", user.Username, "roomID", req.RoomID)
	} else {
		slog.Info("player left room", "username", user.Username, "roomID", req.RoomID)
	}

	s.broadcastRoomUpdate(ctx, req.RoomID)

	return protocol.NewSuccess(protocol.LeftRoom{Left: true})
}

func (s *Server) handleStartGame(ctx context.Context, c *Client, msg protocol.Message) (protocol.Message, error) {
	user := c.Player()
	if user == nil {
		return protocol.NewError("Not authenticated"), nil
	}

	var req protocol.StartGameRequest
	if err := msg.Decode(&req); err != nil {
		return protocol.NewError("Malformed message"), nil
	}

	room, err := s.store.Rooms.Get(ctx, req.RoomID)
	if err != nil {
		slog.Error("loading room", "roomID", req.RoomID, "error", err)
		return protocol.NewError("Room not found"), nil
	}
	if room == nil {
		return protocol.NewError("Room not found"), nil
	}
	if room.HostID != user.ID {
		return protocol.NewError("Only host can start game"), nil
	}

	game, err := s.store.Games.Get(ctx, room.GameID)
	if err != nil || game == nil {
		if err != nil {
			slog.Error("loading game", "gameID", room.GameID, "error", err)
		}
		return protocol.NewError("Game not found"), nil
	}

	members, err := s.store.Rooms.Players(ctx, room.ID)
	if err != nil {
		slog.Error("loading room members", "roomID", room.ID, "error", err)
		return protocol.NewError("Failed to start game server"), nil
	}
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.Username)
	}

	port, err := s.games.Spawn(room.ID, game.ID, game.Name, game.CurrentVersion, names)
	if err != nil {
		slog.Error("spawning game server", "roomID", room.ID, "game", game.Name, "error", err)
		return protocol.NewError("Failed to start game server"), nil
	}

	if err := s.store.Rooms.UpdateStatus(ctx, room.ID, model.RoomStatusPlaying, port); err != nil {
		slog.Error("marking room playing", "roomID", room.ID, "error", err)
		s.games.Stop(room.ID)
		return protocol.NewError("Failed to start game server"), nil
	}

	started, err := protocol.New(protocol.TypeGameStarted, protocol.GameStarted{
		RoomID:   room.ID,
		GamePort: port,
		GameName: game.Name,
	})
	if err != nil {
		return protocol.Message{}, err
	}
	for _, m := range members {
		if cli := s.registry.FindByPlayer(m.ID); cli != nil {
			if err := cli.Send(started); err != nil {
				slog.Warn("game started notification not delivered",
					"roomID", room.ID, "playerID", m.ID, "error", err)
			}
		}
	}

	slog.Info("game started", "roomID", room.ID, "game", game.Name, "port", port)

	return protocol.NewSuccess(protocol.StartGameResult{GamePort: port, RoomID: room.ID})
}

func (s *Server) handleSubmitReview(ctx context.Context, c *Client, msg protocol.Message) (protocol.Message, error) {
	user := c.Player()
	if user == nil {
		return protocol.NewError("Not authenticated"), nil
	}

	var req protocol.SubmitReviewRequest
	if err := msg.Decode(&req); err != nil {
		return protocol.NewError("Malformed message"), nil
	}
	if req.GameID == 0 || req.Rating == 0 {
		return protocol.NewError("Game ID and rating required"), nil
	}
	if req.Rating < 1 || req.Rating > 5 {
		return protocol.NewError("Rating must be between 1 and 5"), nil
	}

	if err := s.store.Reviews.Upsert(ctx, req.GameID, user.ID, req.Rating, req.Comment); err != nil {
		slog.Error("submitting review", "gameID", req.GameID, "username", user.Username, "error", err)
		return protocol.NewError("Failed to submit review"), nil
	}

	slog.Info("review submitted", "username", user.Username, "gameID", req.GameID, "rating", req.Rating)
	return protocol.New(protocol.TypeReviewSubmitted, protocol.ReviewSubmitted{Success: true})
}

func (s *Server) handleGetReviews(ctx context.Context, c *Client, msg protocol.Message) (protocol.Message, error) {
	var req protocol.GetReviewsRequest
	if err := msg.Decode(&req); err != nil {
		return protocol.NewError("Malformed message"), nil
	}

	reviews, err := s.store.Reviews.ListForGame(ctx, req.GameID, req.Limit)
	if err != nil {
		slog.Error("loading reviews", "gameID", req.GameID, "error", err)
		return protocol.NewError("Failed to load reviews"), nil
	}

	return protocol.New(protocol.TypeReviewsResponse, protocol.ReviewsResponse{Reviews: reviewRows(reviews)})
}

// broadcastRoomUpdate sends the current membership to every member with an
// open session. Rooms that no longer exist are skipped.
func (s *Server) broadcastRoomUpdate(ctx context.Context, roomID int64) {
	room, err := s.store.Rooms.Get(ctx, roomID)
	if err != nil {
		slog.Warn("room update skipped", "roomID", roomID, "error", err)
		return
	}
	if room == nil {
		return
	}

	members, err := s.store.Rooms.Players(ctx, roomID)
	if err != nil {
		slog.Warn("room update skipped", "roomID", roomID, "error", err)
		return
	}
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.Username)
	}

	update, err := protocol.New(protocol.TypeRoomUpdate, protocol.RoomUpdate{
		RoomID:         roomID,
		CurrentPlayers: room.CurrentPlayers,
		Players:        names,
	})
	if err != nil {
		slog.Warn("room update skipped", "roomID", roomID, "error", err)
		return
	}

	for _, m := range members {
		if cli := s.registry.FindByPlayer(m.ID); cli != nil {
			if err := cli.Send(update); err != nil {
				slog.Debug("room update not delivered", "roomID", roomID, "playerID", m.ID, "error", err)
			}
		}
	}
}

func gameSummary(g model.Game) protocol.GameSummary {
	return protocol.GameSummary{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		Version:     g.CurrentVersion,
		MinPlayers:  g.MinPlayers,
		MaxPlayers:  g.MaxPlayers,
		Type:        g.GameType,
		Rating:      roundRating(g.AverageRating),
		RatingCount: g.RatingCount,
		Downloads:   g.DownloadCount,
	}
}

func reviewRows(reviews []model.Review) []protocol.Review {
	rows := make([]protocol.Review, 0, len(reviews))
	for _, r := range reviews {
		rows = append(rows, protocol.Review{
			ID:        r.ID,
			GameID:    r.GameID,
			PlayerID:  r.PlayerID,
			Username:  r.Username,
			Rating:    r.Rating,
			Comment:   r.Comment,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		})
	}
	return rows
}

func roundRating(r float64) float64 {
	return math.Round(r*10) / 10
}
