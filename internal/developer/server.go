// Package developer implements the developer-facing store server: account
// management, chunked game uploads, version updates, and removal.
package developer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gamedepot/internal/artifact"
	"github.com/gamedepot/internal/config"
	"github.com/gamedepot/internal/db"
	"github.com/gamedepot/internal/protocol"
)

// Server is the developer server studios connect to.
type Server struct {
	cfg       config.Server
	store     *db.Store
	artifacts *artifact.Store
	handlers  map[protocol.MessageType]handlerFunc

	listener net.Listener
	mu       sync.Mutex
}

// NewServer creates a developer server over the given store and artifact
// tree.
func NewServer(cfg config.Server, store *db.Store, artifacts *artifact.Store) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		artifacts: artifacts,
	}
	s.handlers = map[protocol.MessageType]handlerFunc{
		protocol.TypeAuthRequest:     s.handleAuth,
		protocol.TypeRegisterRequest: s.handleRegister,
		protocol.TypeLogout:          s.handleLogout,
		protocol.TypeMyGamesRequest:  s.handleMyGames,
		protocol.TypeUploadStart:     s.handleUploadStart,
		protocol.TypeUploadChunk:     s.handleUploadChunk,
		protocol.TypeUploadComplete:  s.handleUploadComplete,
		protocol.TypeUpdateGame:      s.handleUpdateGame,
		protocol.TypeRemoveGame:      s.handleRemoveGame,
		protocol.TypeHeartbeat:       s.handleHeartbeat,
	}
	return s
}

// Addr returns the address the server is listening on, or nil before Run.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close closes the listener and stops the server.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// Run listens on the configured developer port and serves until ctx is
// done. When the preferred port is taken, the next ports are probed in
// order.
func (s *Server) Run(ctx context.Context) error {
	ln, err := listenWithProbes(s.cfg.Host, s.cfg.DeveloperPort, s.cfg.PortProbes)
	if err != nil {
		return fmt.Errorf("developer server: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	return s.Serve(ctx, ln)
}

// Serve accepts connections from a ready listener until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		slog.Info("developer server started", "address", ln.Addr())
		s.acceptLoop(ctx, &wg, ln)
	})

	wg.Wait()

	return nil
}

func (s *Server) acceptLoop(ctx context.Context, wg *sync.WaitGroup, ln net.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				slog.Error("developer accept failed", "error", err)
				continue
			}
			wg.Go(func() {
				s.handleConnection(ctx, conn)
			})
		}
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	done := make(chan struct{})
	defer close(done)
	defer conn.Close()

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	client := NewClient(conn)
	// A developer dropping mid-transfer must not leave a partial sink
	// behind.
	defer client.abortUpload()

	slog.Info("developer connected", "remote", client.Addr())
	defer func() {
		if d := client.Developer(); d != nil {
			slog.Info("developer disconnected", "username", d.Username, "remote", client.Addr())
		} else {
			slog.Info("developer disconnected", "remote", client.Addr())
		}
	}()

	for {
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			if recoverableFrameError(err) {
				slog.Warn("dropping bad frame", "remote", client.Addr(), "error", err)
				if werr := client.Send(protocol.NewError("Malformed message")); werr != nil {
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Warn("read failed", "remote", client.Addr(), "error", err)
			}
			return
		}
		slog.Debug("received", "remote", client.Addr(), "type", msg.Type)

		resp, err := s.dispatch(ctx, client, msg)
		if err != nil {
			slog.Error("handling message", "type", msg.Type, "remote", client.Addr(), "error", err)
			return
		}
		if resp.Type != 0 {
			if err := client.Send(resp); err != nil {
				slog.Warn("write failed", "remote", client.Addr(), "error", err)
				return
			}
		}
	}
}

// recoverableFrameError reports whether the codec consumed the bad frame
// and the stream is still usable.
func recoverableFrameError(err error) bool {
	return errors.Is(err, protocol.ErrShortFrame) ||
		errors.Is(err, protocol.ErrFrameTooLarge) ||
		errors.Is(err, protocol.ErrMalformedBody)
}

// dispatch routes one message. A non-nil error closes the connection.
func (s *Server) dispatch(ctx context.Context, c *Client, msg protocol.Message) (protocol.Message, error) {
	h, ok := s.handlers[msg.Type]
	if !ok {
		return protocol.NewError(fmt.Sprintf("Unknown message type: %s", msg.Type)), nil
	}
	return h(ctx, c, msg)
}

func (s *Server) sessionTTL() time.Duration {
	return time.Duration(s.cfg.SessionTTL) * time.Second
}

// listenWithProbes listens on host:port, falling back to the next probes
// ports when the preferred one is taken.
func listenWithProbes(host string, port, probes int) (net.Listener, error) {
	var lastErr error
	for i := 0; i <= probes; i++ {
		addr := fmt.Sprintf("%s:%d", host, port+i)
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if i > 0 {
				slog.Warn("preferred port taken, using fallback", "preferred", port, "port", port+i)
			}
			return ln, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("listening on %s:%d (+%d probes): %w", host, port, probes, lastErr)
}
