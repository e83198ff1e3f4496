package lobby

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamedepot/internal/artifact"
	"github.com/gamedepot/internal/config"
	"github.com/gamedepot/internal/db"
	"github.com/gamedepot/internal/model"
	"github.com/gamedepot/internal/protocol"
	"github.com/gamedepot/internal/supervisor"
	"github.com/gamedepot/internal/testutil"
)

// startServer brings up a lobby server on a loopback listener over a
// disposable Postgres store. Skipped in -short mode.
func startServer(t *testing.T) (addr string, store *db.Store, artifacts *artifact.Store) {
	t.Helper()
	store = testutil.SetupTestStore(t)
	artifacts = artifact.NewStore(t.TempDir())

	sup := supervisor.NewManager(supervisor.Config{
		Runtime:     "/bin/sh",
		StartPort:   9100,
		StartupWait: 50 * time.Millisecond,
		StopGrace:   2 * time.Second,
	}, artifacts, func(roomID int64) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Rooms.UpdateStatus(ctx, roomID, model.RoomStatusClosed, 0)
	})
	t.Cleanup(sup.ShutdownAll)

	srv := NewServer(config.DefaultServer(), store, artifacts, sup)
	ln, addr := testutil.ListenTCP(t)
	ctx, _ := testutil.ContextWithCancel(t)
	go srv.Serve(ctx, ln)

	return addr, store, artifacts
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, typ protocol.MessageType, payload any) {
	t.Helper()
	msg, err := protocol.New(typ, payload)
	require.NoError(t, err)
	require.NoError(t, protocol.WriteMessage(conn, msg))
}

func recv(t *testing.T, conn net.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	msg, err := protocol.ReadMessage(conn)
	require.NoError(t, err)
	return msg
}

func expectError(t *testing.T, msg protocol.Message, want string) {
	t.Helper()
	require.Equal(t, protocol.TypeError, msg.Type, "got %s instead of ERROR", msg.Type)
	var body protocol.ErrorBody
	require.NoError(t, msg.Decode(&body))
	assert.Equal(t, want, body.Error)
}

func registerAndAuth(t *testing.T, conn net.Conn, username string) protocol.AuthResponse {
	t.Helper()
	send(t, conn, protocol.TypeRegisterRequest, protocol.RegisterRequest{Username: username, Password: "secret"})
	msg := recv(t, conn)
	require.Equal(t, protocol.TypeRegisterResponse, msg.Type)

	send(t, conn, protocol.TypeAuthRequest, protocol.AuthRequest{Username: username, Password: "secret"})
	msg = recv(t, conn)
	require.Equal(t, protocol.TypeAuthResponse, msg.Type)
	var resp protocol.AuthResponse
	require.NoError(t, msg.Decode(&resp))
	require.True(t, resp.Success)
	return resp
}

func seedGame(t *testing.T, store *db.Store, name string) int64 {
	t.Helper()
	ctx := context.Background()
	devID, err := store.Accounts.CreateDeveloper(ctx, name+"-dev", "pw", "")
	require.NoError(t, err)
	gameID, err := store.Games.Create(ctx, name, "about "+name, devID, "1.0.0", 2, 4, model.GameTypeCLI)
	require.NoError(t, err)
	return gameID
}

func TestServer_AuthFlows(t *testing.T) {
	addr, _, _ := startServer(t)
	conn := dial(t, addr)

	send(t, conn, protocol.TypeRegisterRequest, protocol.RegisterRequest{Username: "alice", Password: "pw"})
	msg := recv(t, conn)
	require.Equal(t, protocol.TypeRegisterResponse, msg.Type)
	var reg protocol.RegisterResponse
	require.NoError(t, msg.Decode(&reg))
	assert.True(t, reg.Success)
	assert.Equal(t, "alice", reg.Username)
	assert.NotZero(t, reg.UserID)

	send(t, conn, protocol.TypeRegisterRequest, protocol.RegisterRequest{Username: "alice", Password: "other"})
	msg = recv(t, conn)
	require.Equal(t, protocol.TypeRegisterResponse, msg.Type)
	require.NoError(t, msg.Decode(&reg))
	assert.False(t, reg.Success)
	assert.Equal(t, "Username already exists", reg.Error)

	send(t, conn, protocol.TypeAuthRequest, protocol.AuthRequest{Username: "alice", Password: "wrong"})
	msg = recv(t, conn)
	require.Equal(t, protocol.TypeAuthResponse, msg.Type)
	var auth protocol.AuthResponse
	require.NoError(t, msg.Decode(&auth))
	assert.False(t, auth.Success)
	assert.Equal(t, "Invalid credentials", auth.Error)

	send(t, conn, protocol.TypeAuthRequest, protocol.AuthRequest{Username: "alice", Password: "pw"})
	msg = recv(t, conn)
	require.NoError(t, msg.Decode(&auth))
	assert.True(t, auth.Success)
	assert.Equal(t, "alice", auth.Username)
	assert.NotEmpty(t, auth.SessionToken)

	send(t, conn, protocol.TypeAuthRequest, protocol.AuthRequest{Username: "alice"})
	expectError(t, recv(t, conn), "Username and password required")

	// Tags without a handler fall through to the uniform error.
	send(t, conn, protocol.TypeSearchGames, nil)
	expectError(t, recv(t, conn), "Unknown message type: SEARCH_GAMES")

	send(t, conn, protocol.TypeHeartbeat, nil)
	msg = recv(t, conn)
	assert.Equal(t, protocol.TypeSuccess, msg.Type)

	// Logout drops the principal; protected operations refuse afterwards.
	send(t, conn, protocol.TypeLogout, nil)
	msg = recv(t, conn)
	require.Equal(t, protocol.TypeSuccess, msg.Type)
	send(t, conn, protocol.TypeCreateRoom, protocol.CreateRoomRequest{GameID: 1})
	expectError(t, recv(t, conn), "Not authenticated")
}

func TestServer_CatalogAndReviews(t *testing.T) {
	addr, store, _ := startServer(t)
	gameID := seedGame(t, store, "Connect4")

	conn := dial(t, addr)

	send(t, conn, protocol.TypeGameListRequest, nil)
	msg := recv(t, conn)
	require.Equal(t, protocol.TypeGameListResponse, msg.Type)
	var list protocol.GameListResponse
	require.NoError(t, msg.Decode(&list))
	require.Len(t, list.Games, 1)
	got := list.Games[0]
	assert.Equal(t, gameID, got.ID)
	assert.Equal(t, "Connect4", got.Name)
	assert.Equal(t, "1.0.0", got.Version)
	assert.Equal(t, 2, got.MinPlayers)
	assert.Equal(t, 4, got.MaxPlayers)
	assert.Equal(t, 0.0, got.Rating)
	assert.Zero(t, got.RatingCount)
	assert.Zero(t, got.Downloads)

	send(t, conn, protocol.TypeGameDetailRequest, protocol.GameDetailRequest{GameID: gameID})
	msg = recv(t, conn)
	require.Equal(t, protocol.TypeGameDetailResponse, msg.Type)
	var detail protocol.GameDetailResponse
	require.NoError(t, msg.Decode(&detail))
	assert.Equal(t, "Connect4", detail.Game.Name)
	assert.False(t, detail.Game.CreatedAt.IsZero())
	assert.Empty(t, detail.Reviews)

	send(t, conn, protocol.TypeGameDetailRequest, protocol.GameDetailRequest{GameID: 999})
	expectError(t, recv(t, conn), "Game not found")
	send(t, conn, protocol.TypeGameDetailRequest, nil)
	expectError(t, recv(t, conn), "Game ID required")

	// Reviews need a principal.
	send(t, conn, protocol.TypeSubmitReview, protocol.SubmitReviewRequest{GameID: gameID, Rating: 4})
	expectError(t, recv(t, conn), "Not authenticated")

	registerAndAuth(t, conn, "alice")

	send(t, conn, protocol.TypeSubmitReview, protocol.SubmitReviewRequest{GameID: gameID, Rating: 6})
	expectError(t, recv(t, conn), "Rating must be between 1 and 5")
	send(t, conn, protocol.TypeSubmitReview, protocol.SubmitReviewRequest{GameID: gameID})
	expectError(t, recv(t, conn), "Game ID and rating required")

	send(t, conn, protocol.TypeSubmitReview, protocol.SubmitReviewRequest{GameID: gameID, Rating: 4, Comment: "ok"})
	msg = recv(t, conn)
	require.Equal(t, protocol.TypeReviewSubmitted, msg.Type)

	// Same player reviews again: the row is replaced, not duplicated.
	send(t, conn, protocol.TypeSubmitReview, protocol.SubmitReviewRequest{GameID: gameID, Rating: 5, Comment: "great"})
	msg = recv(t, conn)
	require.Equal(t, protocol.TypeReviewSubmitted, msg.Type)

	send(t, conn, protocol.TypeGetReviews, protocol.GetReviewsRequest{GameID: gameID})
	msg = recv(t, conn)
	require.Equal(t, protocol.TypeReviewsResponse, msg.Type)
	var reviews protocol.ReviewsResponse
	require.NoError(t, msg.Decode(&reviews))
	require.Len(t, reviews.Reviews, 1)
	assert.Equal(t, 5, reviews.Reviews[0].Rating)
	assert.Equal(t, "great", reviews.Reviews[0].Comment)
	assert.Equal(t, "alice", reviews.Reviews[0].Username)

	send(t, conn, protocol.TypeGameListRequest, nil)
	msg = recv(t, conn)
	require.NoError(t, msg.Decode(&list))
	assert.Equal(t, 5.0, list.Games[0].Rating)
	assert.Equal(t, 1, list.Games[0].RatingCount)

	send(t, conn, protocol.TypeCheckUpdate, protocol.CheckUpdateRequest{GameID: gameID, CurrentVersion: "1.0.0"})
	msg = recv(t, conn)
	require.Equal(t, protocol.TypeUpdateAvailable, msg.Type)
	var upd protocol.UpdateAvailable
	require.NoError(t, msg.Decode(&upd))
	assert.False(t, upd.UpdateAvailable)
	assert.Equal(t, "1.0.0", upd.LatestVersion)

	send(t, conn, protocol.TypeCheckUpdate, protocol.CheckUpdateRequest{GameID: gameID, CurrentVersion: "0.9.0"})
	msg = recv(t, conn)
	require.NoError(t, msg.Decode(&upd))
	assert.True(t, upd.UpdateAvailable)

	send(t, conn, protocol.TypeCheckUpdate, protocol.CheckUpdateRequest{GameID: 999})
	expectError(t, recv(t, conn), "Game not found")
}

func TestServer_RoomLifecycle(t *testing.T) {
	addr, store, _ := startServer(t)
	gameID := seedGame(t, store, "Tetris")

	host := dial(t, addr)
	registerAndAuth(t, host, "alice")
	joiner := dial(t, addr)
	registerAndAuth(t, joiner, "bob")

	send(t, host, protocol.TypeCreateRoom, protocol.CreateRoomRequest{GameID: gameID, MaxPlayers: 2})
	msg := recv(t, host)
	require.Equal(t, protocol.TypeRoomCreated, msg.Type)
	var created protocol.RoomCreated
	require.NoError(t, msg.Decode(&created))
	assert.True(t, created.Success)
	assert.Equal(t, "alice's Room", created.RoomName)
	assert.Regexp(t, "^[0-9A-F]{8}$", created.RoomCode)
	roomID := created.RoomID

	send(t, host, protocol.TypeRoomListRequest, nil)
	msg = recv(t, host)
	require.Equal(t, protocol.TypeRoomListResponse, msg.Type)
	var rooms protocol.RoomListResponse
	require.NoError(t, msg.Decode(&rooms))
	require.Len(t, rooms.Rooms, 1)
	assert.Equal(t, 1, rooms.Rooms[0].CurrentPlayers)
	assert.Equal(t, "alice", rooms.Rooms[0].HostName)
	assert.Equal(t, "Tetris", rooms.Rooms[0].GameName)
	assert.Equal(t, model.RoomStatusWaiting, rooms.Rooms[0].Status)

	// The joiner's response arrives before its copy of the broadcast.
	send(t, joiner, protocol.TypeJoinRoom, protocol.JoinRoomRequest{RoomID: roomID})
	msg = recv(t, joiner)
	require.Equal(t, protocol.TypeRoomJoined, msg.Type)
	var joined protocol.RoomJoined
	require.NoError(t, msg.Decode(&joined))
	assert.True(t, joined.Success)

	var update protocol.RoomUpdate
	msg = recv(t, joiner)
	require.Equal(t, protocol.TypeRoomUpdate, msg.Type)
	require.NoError(t, msg.Decode(&update))
	assert.Equal(t, 2, update.CurrentPlayers)
	assert.ElementsMatch(t, []string{"alice", "bob"}, update.Players)

	msg = recv(t, host)
	require.Equal(t, protocol.TypeRoomUpdate, msg.Type)
	require.NoError(t, msg.Decode(&update))
	assert.Equal(t, 2, update.CurrentPlayers)

	third := dial(t, addr)
	registerAndAuth(t, third, "carol")
	send(t, third, protocol.TypeJoinRoom, protocol.JoinRoomRequest{RoomID: roomID})
	expectError(t, recv(t, third), "Room is full")

	send(t, third, protocol.TypeJoinRoom, protocol.JoinRoomRequest{RoomID: 9999})
	expectError(t, recv(t, third), "Room not found")

	// Member leave: the broadcast goes out before the leaver's reply, but
	// the leaver is no longer a member so it only sees the reply.
	send(t, joiner, protocol.TypeLeaveRoom, protocol.LeaveRoomRequest{RoomID: roomID})
	msg = recv(t, joiner)
	require.Equal(t, protocol.TypeSuccess, msg.Type)
	var left protocol.LeftRoom
	require.NoError(t, msg.Decode(&left))
	assert.True(t, left.Left)

	msg = recv(t, host)
	require.Equal(t, protocol.TypeRoomUpdate, msg.Type)
	require.NoError(t, msg.Decode(&update))
	assert.Equal(t, 1, update.CurrentPlayers)
	assert.Equal(t, []string{"alice"}, update.Players)

	// Leaving a room the player is not in succeeds silently.
	send(t, joiner, protocol.TypeLeaveRoom, protocol.LeaveRoomRequest{RoomID: 9999})
	msg = recv(t, joiner)
	assert.Equal(t, protocol.TypeSuccess, msg.Type)

	// Host leave closes the room; membership rows survive, so the host
	// still receives the final update before its reply.
	send(t, host, protocol.TypeLeaveRoom, protocol.LeaveRoomRequest{RoomID: roomID})
	msg = recv(t, host)
	require.Equal(t, protocol.TypeRoomUpdate, msg.Type)
	msg = recv(t, host)
	require.Equal(t, protocol.TypeSuccess, msg.Type)

	send(t, host, protocol.TypeRoomListRequest, nil)
	msg = recv(t, host)
	require.NoError(t, msg.Decode(&rooms))
	assert.Empty(t, rooms.Rooms)
}

func TestServer_StartGame(t *testing.T) {
	addr, store, artifacts := startServer(t)
	gameID := seedGame(t, store, "Connect4")

	dir := artifacts.VersionDir(gameID, "1.0.0")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, artifact.ServerEntrypoint), []byte("exec sleep 5\n"), 0o755))

	host := dial(t, addr)
	registerAndAuth(t, host, "alice")
	member := dial(t, addr)
	registerAndAuth(t, member, "bob")

	send(t, host, protocol.TypeCreateRoom, protocol.CreateRoomRequest{GameID: gameID, MaxPlayers: 4})
	msg := recv(t, host)
	var created protocol.RoomCreated
	require.NoError(t, msg.Decode(&created))
	roomID := created.RoomID

	send(t, member, protocol.TypeJoinRoom, protocol.JoinRoomRequest{RoomID: roomID})
	require.Equal(t, protocol.TypeRoomJoined, recv(t, member).Type)
	require.Equal(t, protocol.TypeRoomUpdate, recv(t, member).Type)
	require.Equal(t, protocol.TypeRoomUpdate, recv(t, host).Type)

	send(t, member, protocol.TypeStartGameRequest, protocol.StartGameRequest{RoomID: roomID})
	expectError(t, recv(t, member), "Only host can start game")

	send(t, host, protocol.TypeStartGameRequest, protocol.StartGameRequest{RoomID: roomID})

	// Every member gets the notification; the host gets it before its own
	// SUCCESS reply.
	msg = recv(t, member)
	require.Equal(t, protocol.TypeGameStarted, msg.Type)
	var started protocol.GameStarted
	require.NoError(t, msg.Decode(&started))
	assert.Equal(t, roomID, started.RoomID)
	assert.Equal(t, 9100, started.GamePort)
	assert.Equal(t, "Connect4", started.GameName)

	msg = recv(t, host)
	require.Equal(t, protocol.TypeGameStarted, msg.Type)
	msg = recv(t, host)
	require.Equal(t, protocol.TypeSuccess, msg.Type)
	var result protocol.StartGameResult
	require.NoError(t, msg.Decode(&result))
	assert.Equal(t, 9100, result.GamePort)
	assert.Equal(t, roomID, result.RoomID)

	// The room is playing now and refuses new joins.
	third := dial(t, addr)
	registerAndAuth(t, third, "carol")
	send(t, third, protocol.TypeJoinRoom, protocol.JoinRoomRequest{RoomID: roomID})
	expectError(t, recv(t, third), "Room is not accepting players")

	send(t, host, protocol.TypeStartGameRequest, protocol.StartGameRequest{RoomID: 9999})
	expectError(t, recv(t, host), "Room not found")
}

func TestServer_StartGameWithoutEntrypoint(t *testing.T) {
	addr, store, _ := startServer(t)
	gameID := seedGame(t, store, "Ghost")

	host := dial(t, addr)
	registerAndAuth(t, host, "alice")

	send(t, host, protocol.TypeCreateRoom, protocol.CreateRoomRequest{GameID: gameID})
	msg := recv(t, host)
	var created protocol.RoomCreated
	require.NoError(t, msg.Decode(&created))

	send(t, host, protocol.TypeStartGameRequest, protocol.StartGameRequest{RoomID: created.RoomID})
	expectError(t, recv(t, host), "Failed to start game server")

	// The failed spawn must not move the room out of waiting.
	room, err := store.Rooms.Get(context.Background(), created.RoomID)
	require.NoError(t, err)
	assert.Equal(t, model.RoomStatusWaiting, room.Status)
}

func TestServer_Download(t *testing.T) {
	addr, store, artifacts := startServer(t)
	gameID := seedGame(t, store, "SpaceRace")

	// A 20000-byte archive streams as chunks of 8192, 8192, 3616.
	payload := make([]byte, 20000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	sum := sha256.Sum256(payload)
	checksum := hex.EncodeToString(sum[:])

	dir := artifacts.VersionDir(gameID, "1.0.0")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	archive := filepath.Join(dir, artifact.PackageFileName)
	require.NoError(t, os.WriteFile(archive, payload, 0o644))
	_, err := store.Games.AddVersion(context.Background(), gameID, "1.0.0", "Initial release", archive, int64(len(payload)), checksum)
	require.NoError(t, err)

	conn := dial(t, addr)
	send(t, conn, protocol.TypeDownloadRequest, protocol.DownloadRequest{GameID: gameID})
	expectError(t, recv(t, conn), "Not authenticated")

	registerAndAuth(t, conn, "alice")

	send(t, conn, protocol.TypeDownloadRequest, protocol.DownloadRequest{GameID: 999})
	expectError(t, recv(t, conn), "Game not available")
	send(t, conn, protocol.TypeDownloadRequest, protocol.DownloadRequest{GameID: gameID, Version: "9.9.9"})
	expectError(t, recv(t, conn), "Version not found")

	send(t, conn, protocol.TypeDownloadRequest, protocol.DownloadRequest{GameID: gameID})

	msg := recv(t, conn)
	require.Equal(t, protocol.TypeDownloadMeta, msg.Type)
	var meta protocol.DownloadMeta
	require.NoError(t, msg.Decode(&meta))
	assert.Equal(t, "SpaceRace", meta.GameName)
	assert.Equal(t, "1.0.0", meta.Version)
	assert.Equal(t, int64(20000), meta.FileSize)
	assert.Equal(t, checksum, meta.Checksum)

	var got []byte
	var sizes []int
	for {
		msg = recv(t, conn)
		if msg.Type != protocol.TypeDownloadChunk {
			break
		}
		var chunk protocol.DownloadChunk
		require.NoError(t, msg.Decode(&chunk))
		assert.Equal(t, int64(len(got)), chunk.Offset)
		data, err := hex.DecodeString(chunk.Data)
		require.NoError(t, err)
		got = append(got, data...)
		sizes = append(sizes, len(data))
	}

	require.Equal(t, protocol.TypeDownloadComplete, msg.Type)
	var complete protocol.DownloadComplete
	require.NoError(t, msg.Decode(&complete))
	assert.True(t, complete.Success)
	assert.Equal(t, int64(20000), complete.BytesSent)
	assert.Equal(t, []int{8192, 8192, 3616}, sizes)
	assert.Equal(t, payload, got)

	send(t, conn, protocol.TypeGameListRequest, nil)
	msg = recv(t, conn)
	var list protocol.GameListResponse
	require.NoError(t, msg.Decode(&list))
	assert.Equal(t, int64(1), list.Games[0].Downloads)

	// Soft-deleted games refuse downloads.
	_, err = store.Games.UpdateStatus(context.Background(), gameID, model.GameStatusInactive)
	require.NoError(t, err)
	send(t, conn, protocol.TypeDownloadRequest, protocol.DownloadRequest{GameID: gameID})
	expectError(t, recv(t, conn), "Game not available")
}
