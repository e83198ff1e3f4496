package developer

import (
	"archive/zip"
	"bytes"
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
	"github.com/gamedepot/internal/testutil"
)

func startServer(t *testing.T) (addr string, store *db.Store, artifacts *artifact.Store) {
	t.Helper()
	store = testutil.SetupTestStore(t)

	base := t.TempDir()
	cfg := config.DefaultServer()
	cfg.TempDir = filepath.Join(base, "temp")
	artifacts = artifact.NewStore(filepath.Join(base, "games"))

	srv := NewServer(cfg, store, artifacts)
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

// buildGameZip produces an archive with the game tree nested one directory
// deep, the way studio exports usually arrive.
func buildGameZip(t *testing.T, topDir string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	files := map[string]string{
		topDir + "/" + artifact.ServerEntrypoint: "print('server')\n",
		topDir + "/" + artifact.ClientEntrypoint: "print('client')\n",
		topDir + "/README.md":                    "how to play\n",
	}
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func streamChunks(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	for off := 0; off < len(payload); off += 4096 {
		end := min(off+4096, len(payload))
		send(t, conn, protocol.TypeUploadChunk, protocol.UploadChunk{
			Offset: int64(off),
			Data:   hex.EncodeToString(payload[off:end]),
		})
		msg := recv(t, conn)
		require.Equal(t, protocol.TypeSuccess, msg.Type)
		var ack protocol.UploadAck
		require.NoError(t, msg.Decode(&ack))
		assert.Equal(t, int64(end), ack.Received)
	}
}

func uploadGame(t *testing.T, conn net.Conn, name string, payload []byte) int64 {
	t.Helper()
	sum := sha256.Sum256(payload)
	send(t, conn, protocol.TypeUploadStart, protocol.UploadStartRequest{
		Name:       name,
		MinPlayers: 2,
		MaxPlayers: 4,
		FileSize:   int64(len(payload)),
		Checksum:   hex.EncodeToString(sum[:]),
	})
	msg := recv(t, conn)
	require.Equal(t, protocol.TypeUploadReady, msg.Type)
	var ready protocol.UploadReady
	require.NoError(t, msg.Decode(&ready))
	require.True(t, ready.Ready)
	require.Equal(t, int64(len(payload)), ready.ExpectedSize)

	streamChunks(t, conn, payload)

	send(t, conn, protocol.TypeUploadComplete, nil)
	msg = recv(t, conn)
	require.Equal(t, protocol.TypeUploadSuccess, msg.Type)
	var success protocol.UploadSuccess
	require.NoError(t, msg.Decode(&success))
	require.True(t, success.Success)
	return success.GameID
}

func TestServer_AuthFlows(t *testing.T) {
	addr, _, _ := startServer(t)
	conn := dial(t, addr)

	send(t, conn, protocol.TypeRegisterRequest, protocol.RegisterRequest{Username: "studio", Password: "pw"})
	msg := recv(t, conn)
	require.Equal(t, protocol.TypeRegisterResponse, msg.Type)
	var reg protocol.RegisterResponse
	require.NoError(t, msg.Decode(&reg))
	assert.True(t, reg.Success)
	assert.NotZero(t, reg.UserID)

	send(t, conn, protocol.TypeRegisterRequest, protocol.RegisterRequest{Username: "studio", Password: "pw"})
	msg = recv(t, conn)
	require.NoError(t, msg.Decode(&reg))
	assert.False(t, reg.Success)
	assert.Equal(t, "Username already exists", reg.Error)

	send(t, conn, protocol.TypeAuthRequest, protocol.AuthRequest{Username: "studio", Password: "nope"})
	msg = recv(t, conn)
	require.Equal(t, protocol.TypeAuthResponse, msg.Type)
	var auth protocol.AuthResponse
	require.NoError(t, msg.Decode(&auth))
	assert.False(t, auth.Success)
	assert.Equal(t, "Invalid credentials", auth.Error)

	send(t, conn, protocol.TypeAuthRequest, protocol.AuthRequest{Username: "studio", Password: "pw"})
	msg = recv(t, conn)
	require.NoError(t, msg.Decode(&auth))
	assert.True(t, auth.Success)
	assert.NotEmpty(t, auth.SessionToken)

	// The lobby catalog tags have no handler on this port.
	send(t, conn, protocol.TypeGameListRequest, nil)
	expectError(t, recv(t, conn), "Unknown message type: GAME_LIST_REQUEST")

	send(t, conn, protocol.TypeMyGamesRequest, nil)
	msg = recv(t, conn)
	require.Equal(t, protocol.TypeMyGamesResponse, msg.Type)
	var mine protocol.MyGamesResponse
	require.NoError(t, msg.Decode(&mine))
	assert.Empty(t, mine.Games)

	send(t, conn, protocol.TypeLogout, nil)
	require.Equal(t, protocol.TypeSuccess, recv(t, conn).Type)
	send(t, conn, protocol.TypeMyGamesRequest, nil)
	expectError(t, recv(t, conn), "Not authenticated")
}

func TestServer_UploadNewGame(t *testing.T) {
	addr, store, artifacts := startServer(t)
	conn := dial(t, addr)
	registerAndAuth(t, conn, "studio")

	payload := buildGameZip(t, "snake-1.0")
	gameID := uploadGame(t, conn, "Snake", payload)
	require.NotZero(t, gameID)

	// Catalog row with the upload's defaults.
	game, err := store.Games.Get(context.Background(), gameID)
	require.NoError(t, err)
	require.NotNil(t, game)
	assert.Equal(t, "Snake", game.Name)
	assert.Equal(t, "1.0.0", game.CurrentVersion)
	assert.Equal(t, model.GameStatusActive, game.Status)

	version, err := store.Games.GetVersion(context.Background(), gameID, "1.0.0")
	require.NoError(t, err)
	require.NotNil(t, version)
	assert.Equal(t, "Initial release", version.Changelog)
	assert.Equal(t, int64(len(payload)), version.FileSize)

	// Smart extraction lifted the nested tree to the version root, kept the
	// archive, and linked current.
	dir := artifacts.VersionDir(gameID, "1.0.0")
	assert.FileExists(t, filepath.Join(dir, artifact.ServerEntrypoint))
	assert.FileExists(t, filepath.Join(dir, artifact.ClientEntrypoint))
	assert.FileExists(t, filepath.Join(dir, artifact.PackageFileName))
	assert.FileExists(t, filepath.Join(artifacts.GameDir(gameID), artifact.CurrentLinkName, artifact.ServerEntrypoint))
	assert.FileExists(t, version.FilePath)

	send(t, conn, protocol.TypeMyGamesRequest, nil)
	msg := recv(t, conn)
	var mine protocol.MyGamesResponse
	require.NoError(t, msg.Decode(&mine))
	require.Len(t, mine.Games, 1)
	assert.Equal(t, "Snake", mine.Games[0].Name)
	assert.Equal(t, "1.0.0", mine.Games[0].Version)
	assert.Equal(t, model.GameStatusActive, mine.Games[0].Status)
}

func TestServer_UploadValidation(t *testing.T) {
	addr, store, _ := startServer(t)

	unauthed := dial(t, addr)
	send(t, unauthed, protocol.TypeUploadStart, protocol.UploadStartRequest{Name: "X", FileSize: 1, Checksum: "aa"})
	expectError(t, recv(t, unauthed), "Not authenticated")

	conn := dial(t, addr)
	registerAndAuth(t, conn, "studio")

	send(t, conn, protocol.TypeUploadStart, protocol.UploadStartRequest{FileSize: 1, Checksum: "aa"})
	expectError(t, recv(t, conn), "Missing required fields")

	send(t, conn, protocol.TypeUploadStart, protocol.UploadStartRequest{Name: "X", FileSize: 200 * 1024 * 1024, Checksum: "aa"})
	expectError(t, recv(t, conn), "File too large")

	devID, err := store.Accounts.CreateDeveloper(context.Background(), "rival", "pw", "")
	require.NoError(t, err)
	_, err = store.Games.Create(context.Background(), "Taken", "", devID, "1.0.0", 2, 2, model.GameTypeCLI)
	require.NoError(t, err)
	send(t, conn, protocol.TypeUploadStart, protocol.UploadStartRequest{Name: "Taken", FileSize: 10, Checksum: "aa"})
	expectError(t, recv(t, conn), "Game name already exists")

	send(t, conn, protocol.TypeUploadChunk, protocol.UploadChunk{Data: "00"})
	expectError(t, recv(t, conn), "No upload in progress")
	send(t, conn, protocol.TypeUploadComplete, nil)
	expectError(t, recv(t, conn), "No upload in progress")

	start := func(size int64, checksum string) {
		send(t, conn, protocol.TypeUploadStart, protocol.UploadStartRequest{Name: "Fresh", FileSize: size, Checksum: checksum})
		require.Equal(t, protocol.TypeUploadReady, recv(t, conn).Type)
	}

	// Bad hex aborts the whole transfer.
	start(10, "aa")
	send(t, conn, protocol.TypeUploadChunk, protocol.UploadChunk{Data: "zz"})
	expectError(t, recv(t, conn), "Invalid chunk data")
	send(t, conn, protocol.TypeUploadChunk, protocol.UploadChunk{Data: "00"})
	expectError(t, recv(t, conn), "No upload in progress")

	start(10, "aa")
	send(t, conn, protocol.TypeUploadChunk, protocol.UploadChunk{})
	expectError(t, recv(t, conn), "No data in chunk")

	// A chunk overshooting the declared size is refused before writing.
	start(4, "aa")
	send(t, conn, protocol.TypeUploadChunk, protocol.UploadChunk{Data: hex.EncodeToString(make([]byte, 8))})
	msg := recv(t, conn)
	require.Equal(t, protocol.TypeError, msg.Type)
	var body protocol.ErrorBody
	require.NoError(t, msg.Decode(&body))
	assert.Contains(t, body.Error, "Upload failed")

	// Fewer bytes than declared.
	payload := []byte("abcdef")
	sum := sha256.Sum256(payload)
	start(int64(len(payload))+2, hex.EncodeToString(sum[:]))
	streamChunks(t, conn, payload)
	send(t, conn, protocol.TypeUploadComplete, nil)
	expectError(t, recv(t, conn), "File size mismatch")

	// Right size, wrong checksum.
	start(int64(len(payload)), "deadbeef")
	streamChunks(t, conn, payload)
	send(t, conn, protocol.TypeUploadComplete, nil)
	expectError(t, recv(t, conn), "Checksum mismatch - file corrupted")
}

func TestServer_UpdateGame(t *testing.T) {
	addr, store, artifacts := startServer(t)
	conn := dial(t, addr)
	registerAndAuth(t, conn, "studio")

	gameID := uploadGame(t, conn, "Pong", buildGameZip(t, "pong-1.0"))

	next := buildGameZip(t, "pong-1.1")
	sum := sha256.Sum256(next)
	send(t, conn, protocol.TypeUpdateGame, protocol.UpdateGameRequest{
		GameID:     gameID,
		NewVersion: "1.1.0",
		Changelog:  "Faster ball",
		FileSize:   int64(len(next)),
		Checksum:   hex.EncodeToString(sum[:]),
	})
	require.Equal(t, protocol.TypeUploadReady, recv(t, conn).Type)
	streamChunks(t, conn, next)
	send(t, conn, protocol.TypeUploadComplete, nil)

	msg := recv(t, conn)
	require.Equal(t, protocol.TypeUploadSuccess, msg.Type)
	var success protocol.UploadSuccess
	require.NoError(t, msg.Decode(&success))
	assert.Equal(t, "Game 'Pong' updated to version 1.1.0!", success.Message)

	game, err := store.Games.Get(context.Background(), gameID)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", game.CurrentVersion)

	version, err := store.Games.GetVersion(context.Background(), gameID, "1.1.0")
	require.NoError(t, err)
	require.NotNil(t, version)
	assert.Equal(t, "Faster ball", version.Changelog)

	// Both version trees stay on disk; current points at the new one.
	assert.FileExists(t, filepath.Join(artifacts.VersionDir(gameID, "1.0.0"), artifact.ServerEntrypoint))
	assert.FileExists(t, filepath.Join(artifacts.VersionDir(gameID, "1.1.0"), artifact.ServerEntrypoint))
	link, err := os.Readlink(filepath.Join(artifacts.GameDir(gameID), artifact.CurrentLinkName))
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", link)

	// Empty changelog on an update gets the stock line.
	third := buildGameZip(t, "pong-1.2")
	sum = sha256.Sum256(third)
	send(t, conn, protocol.TypeUpdateGame, protocol.UpdateGameRequest{
		GameID:     gameID,
		NewVersion: "1.2.0",
		FileSize:   int64(len(third)),
		Checksum:   hex.EncodeToString(sum[:]),
	})
	require.Equal(t, protocol.TypeUploadReady, recv(t, conn).Type)
	streamChunks(t, conn, third)
	send(t, conn, protocol.TypeUploadComplete, nil)
	require.Equal(t, protocol.TypeUploadSuccess, recv(t, conn).Type)

	version, err = store.Games.GetVersion(context.Background(), gameID, "1.2.0")
	require.NoError(t, err)
	require.NotNil(t, version)
	assert.Equal(t, "Update", version.Changelog)

	// Another studio cannot push updates to it.
	rival := dial(t, addr)
	registerAndAuth(t, rival, "rival")
	send(t, rival, protocol.TypeUpdateGame, protocol.UpdateGameRequest{
		GameID: gameID, NewVersion: "9.0.0", FileSize: 10, Checksum: "aa",
	})
	expectError(t, recv(t, rival), "Game not found or not owned by you")

	send(t, rival, protocol.TypeUpdateGame, protocol.UpdateGameRequest{
		GameID: 9999, NewVersion: "1.0.0", FileSize: 10, Checksum: "aa",
	})
	expectError(t, recv(t, rival), "Game not found or not owned by you")
}

func TestServer_RemoveGame(t *testing.T) {
	addr, store, _ := startServer(t)
	conn := dial(t, addr)
	registerAndAuth(t, conn, "studio")

	gameID := uploadGame(t, conn, "Maze", buildGameZip(t, "maze"))

	send(t, conn, protocol.TypeRemoveGame, protocol.RemoveGameRequest{GameID: gameID})
	msg := recv(t, conn)
	require.Equal(t, protocol.TypeRemoveSuccess, msg.Type)
	var removed protocol.RemoveSuccess
	require.NoError(t, msg.Decode(&removed))
	assert.True(t, removed.Success)
	assert.Equal(t, "Game 'Maze' has been removed", removed.Message)

	game, err := store.Games.Get(context.Background(), gameID)
	require.NoError(t, err)
	assert.Equal(t, model.GameStatusInactive, game.Status)

	send(t, conn, protocol.TypeRemoveGame, protocol.RemoveGameRequest{GameID: 9999})
	expectError(t, recv(t, conn), "Game not found or not owned by you")
}

func TestServer_DisconnectCleansSink(t *testing.T) {
	store := testutil.SetupTestStore(t)

	base := t.TempDir()
	cfg := config.DefaultServer()
	cfg.TempDir = filepath.Join(base, "temp")
	srv := NewServer(cfg, store, artifact.NewStore(filepath.Join(base, "games")))
	ln, addr := testutil.ListenTCP(t)
	ctx, _ := testutil.ContextWithCancel(t)
	go srv.Serve(ctx, ln)

	conn := dial(t, addr)
	registerAndAuth(t, conn, "studio")

	send(t, conn, protocol.TypeUploadStart, protocol.UploadStartRequest{
		Name: "Orphan", FileSize: 100, Checksum: "aa",
	})
	require.Equal(t, protocol.TypeUploadReady, recv(t, conn).Type)
	send(t, conn, protocol.TypeUploadChunk, protocol.UploadChunk{Data: hex.EncodeToString([]byte("part"))})
	require.Equal(t, protocol.TypeSuccess, recv(t, conn).Type)

	sink := filepath.Join(cfg.TempDir, conn.LocalAddr().String(), "Orphan.zip")
	require.FileExists(t, sink)

	conn.Close()
	assert.Eventually(t, func() bool {
		_, err := os.Stat(sink)
		return os.IsNotExist(err)
	}, 2*time.Second, 20*time.Millisecond, "partial sink should be deleted on disconnect")
}
