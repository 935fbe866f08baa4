// Package server exposes the peer-facing HTTP endpoints and a WebSocket
// event feed for dashboard clients.
//
// The HTTP surface is the receive half of the peer protocol: liveness,
// change pull/push, file checksum listing, and file upload/download/delete.
// Session, conflict, and transfer events are broadcast to connected
// WebSocket clients for real-time monitoring.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/lanefield/teamsync/internal/filesync"
	"github.com/lanefield/teamsync/internal/store"
	"github.com/lanefield/teamsync/internal/syncer"
)

// Version is the protocol version reported by /ping.
const Version = "1.0"

// EventType defines the type of broadcast event.
type EventType string

const (
	// EventSessionFinished indicates a sync session reached a terminal state.
	EventSessionFinished EventType = "session_finished"

	// EventConflictResolved indicates a change conflict was resolved.
	EventConflictResolved EventType = "conflict_resolved"

	// EventChangesApplied indicates remote changes were applied locally.
	EventChangesApplied EventType = "changes_applied"

	// EventFileReceived indicates a file upload was accepted.
	EventFileReceived EventType = "file_received"

	// EventFileDeleted indicates a file deletion was applied.
	EventFileDeleted EventType = "file_deleted"
)

// Event is a broadcast message on the /events feed.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Config holds server configuration.
type Config struct {
	// Port to listen on.
	Port int

	// ServerID is this instance's identity, reported by /ping.
	ServerID string

	// Logger for server activity.
	Logger *log.Logger
}

// Server serves the peer protocol and the event feed.
type Server struct {
	config   *Config
	db       *store.DB
	manager  *syncer.Manager
	applier  *filesync.Applier
	listener net.Listener
	server   *http.Server
	logger   *log.Logger

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex
	broadcast chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Server. The sync manager supplies the change apply path and
// the applier supplies the file receive path.
func New(db *store.DB, manager *syncer.Manager, applier *filesync.Applier, config *Config) *Server {
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:    config,
		db:        db,
		manager:   manager,
		applier:   applier,
		logger:    config.Logger,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Event, 100),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins listening and serving. It returns once the listener is bound.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", s.handlePing)
	mux.HandleFunc("/changes", s.handleChanges)
	mux.HandleFunc("/receive-changes", s.handleReceiveChanges)
	mux.HandleFunc("/files/checksums", s.handleChecksums)
	mux.HandleFunc("/files/upload", s.handleUpload)
	mux.HandleFunc("/files/download", s.handleDownload)
	mux.HandleFunc("/files/delete", s.handleDelete)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/events", s.handleEvents)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Sync server listening on %s", s.listener.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server and the event feed.
func (s *Server) Stop() error {
	s.logger.Println("Stopping sync server")
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return fmt.Sprintf(":%d", s.config.Port)
}

// Broadcast queues an event for all connected feed clients.
func (s *Server) Broadcast(eventType EventType, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Printf("Failed to marshal event data: %v", err)
		return
	}

	ev := Event{Type: eventType, Timestamp: time.Now(), Data: payload}
	select {
	case s.broadcast <- ev:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping event")
	}
}

// SessionFinished implements syncer.Notifier.
func (s *Server) SessionFinished(session *store.SyncSession) {
	s.Broadcast(EventSessionFinished, session)
}

// ConflictResolved implements syncer.Notifier.
func (s *Server) ConflictResolved(c syncer.Conflict) {
	s.Broadcast(EventConflictResolved, c)
}

// broadcastLoop fans queued events out to every connected client.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case ev := <-s.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Printf("Failed to marshal event: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleEvents upgrades a connection to the WebSocket event feed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Event feed client connected (total: %d)", count)
	go s.readLoop(conn)
}

// readLoop keeps the connection alive and detects client disconnects.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		count := len(s.clients)
		s.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Event feed client disconnected (total: %d)", count)
	} else {
		s.clientsMu.Unlock()
	}
}

// ClientCount returns the number of connected event feed clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
