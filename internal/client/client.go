// Package client implements the store's framed-TCP client side: request
// correlation over a multiplexed stream, the chunked download flow with
// local installation, and the developer upload flow.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gamedepot/internal/protocol"
)

// DefaultChunkSize is the upload chunk size when none is configured.
const DefaultChunkSize = 8192

// ServerError is an ERROR frame (or a refused response) turned into a Go
// error, carrying the server's user-facing message.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}

// Principal is the identity bound to the connection after a successful
// login.
type Principal struct {
	UserID       int64
	Username     string
	SessionToken string
}

type call struct {
	req protocol.MessageType
	ch  chan protocol.Message
}

type download struct {
	ch        chan protocol.Message
	abandoned chan struct{}
}

// Client owns one connection and its single reader goroutine. Responses
// are matched to requests by the expected-reply tag, with the generic
// SUCCESS/ERROR completing the earliest pending request. Everything else
// is surfaced on Notifications.
type Client struct {
	conn net.Conn

	// ChunkSize is the upload chunk size. Set before starting an upload.
	ChunkSize int

	writeMu sync.Mutex

	mu        sync.Mutex
	pending   []*call
	dl        *download
	principal *Principal
	err       error
	closed    bool

	done          chan struct{}
	notifications chan protocol.Message
}

// NewClient wraps an established connection and starts the reader.
func NewClient(conn net.Conn) *Client {
	c := &Client{
		conn:          conn,
		ChunkSize:     DefaultChunkSize,
		done:          make(chan struct{}),
		notifications: make(chan protocol.Message, 32),
	}
	go c.readLoop()
	return c
}

// Dial connects to a store server and starts the reader.
func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return NewClient(conn), nil
}

// Close tears down the connection; pending calls fail.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Notifications delivers unsolicited messages (ROOM_UPDATE, GAME_STARTED).
// The channel is buffered; messages are dropped when nobody drains it.
func (c *Client) Notifications() <-chan protocol.Message {
	return c.notifications
}

// Principal returns the identity from the last successful login, or nil.
func (c *Client) Principal() *Principal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal
}

// Call sends one request and waits for the message that completes it: the
// expected reply tag for the request, or a generic SUCCESS/ERROR.
func (c *Client) Call(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	cl := &call{req: msg.Type, ch: make(chan protocol.Message, 1)}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return protocol.Message{}, err
	}
	c.pending = append(c.pending, cl)
	c.mu.Unlock()

	if err := c.send(msg); err != nil {
		c.drop(cl)
		return protocol.Message{}, err
	}

	select {
	case resp, ok := <-cl.ch:
		if !ok {
			return protocol.Message{}, c.connErr()
		}
		return resp, nil
	case <-ctx.Done():
		c.drop(cl)
		return protocol.Message{}, ctx.Err()
	case <-c.done:
		// The response may have been delivered just before the reader died.
		select {
		case resp, ok := <-cl.ch:
			if ok {
				return resp, nil
			}
		default:
		}
		c.drop(cl)
		return protocol.Message{}, c.connErr()
	}
}

func (c *Client) send(msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteMessage(c.conn, msg)
}

func (c *Client) drop(cl *call) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.pending {
		if p == cl {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

func (c *Client) connErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return net.ErrClosed
}

func (c *Client) readLoop() {
	for {
		msg, err := protocol.ReadMessage(c.conn)
		if err != nil {
			c.fail(err)
			return
		}
		c.route(msg)
	}
}

// fail poisons the client: every pending and future call reports err.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = fmt.Errorf("connection lost: %w", err)
	}
	pending := c.pending
	c.pending = nil
	first := !c.closed
	c.closed = true
	c.mu.Unlock()

	if first {
		close(c.done)
	}
	for _, cl := range pending {
		close(cl.ch)
	}
}

func (c *Client) route(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeDownloadMeta, protocol.TypeDownloadChunk, protocol.TypeDownloadComplete:
		c.routeDownload(msg)
		return
	case protocol.TypeError:
		// An ERROR during an active download belongs to the transfer.
		c.mu.Lock()
		active := c.dl != nil
		c.mu.Unlock()
		if active {
			c.routeDownload(msg)
			return
		}
	}

	if c.completePending(msg) {
		return
	}

	select {
	case c.notifications <- msg:
	default:
		slog.Warn("notification dropped, channel full", "type", msg.Type)
	}
}

// completePending hands msg to the earliest request it can answer.
func (c *Client) completePending(msg protocol.Message) bool {
	generic := msg.Type == protocol.TypeSuccess || msg.Type == protocol.TypeError

	c.mu.Lock()
	idx := -1
	for i, cl := range c.pending {
		if generic || protocol.ExpectedReply[cl.req] == msg.Type {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return false
	}
	cl := c.pending[idx]
	c.pending = append(c.pending[:idx], c.pending[idx+1:]...)
	c.mu.Unlock()

	cl.ch <- msg
	return true
}

func (c *Client) beginDownload() (*download, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	if c.dl != nil {
		return nil, fmt.Errorf("download already in progress")
	}
	dl := &download{
		ch:        make(chan protocol.Message, 64),
		abandoned: make(chan struct{}),
	}
	c.dl = dl
	return dl, nil
}

func (c *Client) endDownload(dl *download) {
	c.mu.Lock()
	if c.dl == dl {
		c.dl = nil
	}
	c.mu.Unlock()
	close(dl.abandoned)
}

func (c *Client) routeDownload(msg protocol.Message) {
	c.mu.Lock()
	dl := c.dl
	c.mu.Unlock()
	if dl == nil {
		slog.Debug("dropping stray download frame", "type", msg.Type)
		return
	}
	select {
	case dl.ch <- msg:
	case <-dl.abandoned:
	case <-c.done:
	}
}

// next waits for the next frame of an active download.
func (c *Client) next(ctx context.Context, dl *download) (protocol.Message, error) {
	select {
	case msg := <-dl.ch:
		return msg, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	case <-c.done:
		return protocol.Message{}, c.connErr()
	}
}

// callDecode sends a request, waits for its completion, turns ERROR frames
// into ServerError, and decodes the reply into out when given.
func (c *Client) callDecode(ctx context.Context, typ protocol.MessageType, payload, out any) error {
	msg, err := protocol.New(typ, payload)
	if err != nil {
		return err
	}
	resp, err := c.Call(ctx, msg)
	if err != nil {
		return err
	}
	if resp.Type == protocol.TypeError {
		var body protocol.ErrorBody
		if derr := resp.Decode(&body); derr != nil || body.Error == "" {
			return &ServerError{Message: "request failed"}
		}
		return &ServerError{Message: body.Error}
	}
	if out != nil {
		return resp.Decode(out)
	}
	return nil
}

func (c *Client) setPrincipal(p *Principal) {
	c.mu.Lock()
	c.principal = p
	c.mu.Unlock()
}

// Login authenticates against whichever namespace the connected port
// serves and binds the returned principal to the client.
func (c *Client) Login(ctx context.Context, username, password string) (*protocol.AuthResponse, error) {
	var resp protocol.AuthResponse
	err := c.callDecode(ctx, protocol.TypeAuthRequest, protocol.AuthRequest{
		Username: username,
		Password: password,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		if resp.Error == "" {
			resp.Error = "Invalid credentials"
		}
		return nil, &ServerError{Message: resp.Error}
	}
	c.setPrincipal(&Principal{
		UserID:       resp.UserID,
		Username:     resp.Username,
		SessionToken: resp.SessionToken,
	})
	return &resp, nil
}

// Register creates an account in the connected port's namespace.
func (c *Client) Register(ctx context.Context, username, password string) (*protocol.RegisterResponse, error) {
	var resp protocol.RegisterResponse
	err := c.callDecode(ctx, protocol.TypeRegisterRequest, protocol.RegisterRequest{
		Username: username,
		Password: password,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		if resp.Error == "" {
			resp.Error = "registration failed"
		}
		return nil, &ServerError{Message: resp.Error}
	}
	return &resp, nil
}

// Logout drops the server-side session and the local principal.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.callDecode(ctx, protocol.TypeLogout, nil, nil); err != nil {
		return err
	}
	c.setPrincipal(nil)
	return nil
}

// Heartbeat pings the server.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.callDecode(ctx, protocol.TypeHeartbeat, nil, nil)
}

// Games fetches the catalog.
func (c *Client) Games(ctx context.Context) ([]protocol.GameSummary, error) {
	var resp protocol.GameListResponse
	if err := c.callDecode(ctx, protocol.TypeGameListRequest, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Games, nil
}

// GameDetail fetches one game with its recent reviews.
func (c *Client) GameDetail(ctx context.Context, gameID int64) (*protocol.GameDetailResponse, error) {
	var resp protocol.GameDetailResponse
	err := c.callDecode(ctx, protocol.TypeGameDetailRequest, protocol.GameDetailRequest{GameID: gameID}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// CheckUpdate reports whether the server carries a newer version.
func (c *Client) CheckUpdate(ctx context.Context, gameID int64, currentVersion string) (*protocol.UpdateAvailable, error) {
	var resp protocol.UpdateAvailable
	err := c.callDecode(ctx, protocol.TypeCheckUpdate, protocol.CheckUpdateRequest{
		GameID:         gameID,
		CurrentVersion: currentVersion,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Rooms lists joinable and running rooms.
func (c *Client) Rooms(ctx context.Context) ([]protocol.RoomSummary, error) {
	var resp protocol.RoomListResponse
	if err := c.callDecode(ctx, protocol.TypeRoomListRequest, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}

// CreateRoom opens a room for the game and auto-enrolls the caller.
func (c *Client) CreateRoom(ctx context.Context, gameID int64, name string, maxPlayers int) (*protocol.RoomCreated, error) {
	var resp protocol.RoomCreated
	err := c.callDecode(ctx, protocol.TypeCreateRoom, protocol.CreateRoomRequest{
		GameID:     gameID,
		Name:       name,
		MaxPlayers: maxPlayers,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &ServerError{Message: "failed to create room"}
	}
	return &resp, nil
}

// JoinRoom enrolls the caller in a room.
func (c *Client) JoinRoom(ctx context.Context, roomID int64) error {
	var resp protocol.RoomJoined
	return c.callDecode(ctx, protocol.TypeJoinRoom, protocol.JoinRoomRequest{RoomID: roomID}, &resp)
}

// LeaveRoom drops the caller from a room. Leaving a room the caller is not
// in succeeds.
func (c *Client) LeaveRoom(ctx context.Context, roomID int64) error {
	return c.callDecode(ctx, protocol.TypeLeaveRoom, protocol.LeaveRoomRequest{RoomID: roomID}, nil)
}

// StartGame asks the server to spawn the room's game server. Host only.
func (c *Client) StartGame(ctx context.Context, roomID int64) (*protocol.StartGameResult, error) {
	var resp protocol.StartGameResult
	err := c.callDecode(ctx, protocol.TypeStartGameRequest, protocol.StartGameRequest{RoomID: roomID}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitReview upserts the caller's review of a game.
func (c *Client) SubmitReview(ctx context.Context, gameID int64, rating int, comment string) error {
	var resp protocol.ReviewSubmitted
	return c.callDecode(ctx, protocol.TypeSubmitReview, protocol.SubmitReviewRequest{
		GameID:  gameID,
		Rating:  rating,
		Comment: comment,
	}, &resp)
}

// Reviews fetches up to 20 reviews for a game.
func (c *Client) Reviews(ctx context.Context, gameID int64) ([]protocol.Review, error) {
	var resp protocol.ReviewsResponse
	err := c.callDecode(ctx, protocol.TypeGetReviews, protocol.GetReviewsRequest{GameID: gameID, Limit: 20}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Reviews, nil
}
