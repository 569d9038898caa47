package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/vellum-app/vellum-server/internal/auth"
	"github.com/vellum-app/vellum-server/internal/collab"
	"github.com/vellum-app/vellum-server/internal/config"
	"github.com/vellum-app/vellum-server/internal/protocol"
	"github.com/vellum-app/vellum-server/internal/security"
	"github.com/vellum-app/vellum-server/internal/transport"
)

var upgrader = gorilla.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Route policies, evaluated explicitly instead of via handler metadata.
// The servant path is pre-authorized upstream by the share-link
// middleware, so it carries no auth requirement here.
var (
	masterSocketPolicy  = auth.Policy{RequiresAuth: true, RequiresVerifiedEmail: true}
	servantSocketPolicy = auth.Policy{}
)

const teardownTimeout = 10 * time.Second

// Server represents the HTTP server hosting the collaboration socket
type Server struct {
	config   *config.Config
	hub      *transport.Hub
	svc      *collab.Service
	security *security.SecurityManager
	server   *http.Server
}

// New creates a new server
func New(cfg *config.Config, hub *transport.Hub, svc *collab.Service) *Server {
	s := &Server{
		config:   cfg,
		hub:      hub,
		svc:      svc,
		security: security.NewSecurityManager(),
	}

	hub.SetHandler(s.handleMessage)
	hub.SetDisconnectHandler(s.handleDisconnect)
	go hub.Run()

	return s
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.corsMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	s.security.Dispose()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.security.ConnectionLimiter.CanConnect(ip) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	// A reclaim inside the recovery window restores the dropped socket's
	// identity and session state without a full join handshake.
	var client *collab.Client
	recovered := false
	if recoverID := r.URL.Query().Get("recoverId"); recoverID != "" {
		if state, ok := s.hub.Reclaim(recoverID); ok {
			client = state
			recovered = true
		}
	}

	if client == nil {
		parsed, err := s.parseHandshake(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		client = parsed
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	conn := transport.NewConnection(ws, s.hub, ip)
	if recovered {
		conn.ID = client.SocketID
	} else {
		client.SocketID = conn.ID
	}
	conn.Client = client
	conn.SecurityManager = s.security
	s.security.ConnectionLimiter.AddConnection(ip)

	s.hub.Register <- conn
	go conn.WritePump()
	go conn.ReadPump()

	s.runJoin(conn)
}

// runJoin drives the join transition: advisory lock around session
// hydration, then the role-specific sharing check.
func (s *Server) runJoin(conn *transport.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	client := conn.Client

	if err := s.svc.SetLock(ctx, client); err != nil {
		log.Printf("set lock failed for %s: %v", conn.ID, err)
	}
	defer func() {
		if err := s.svc.RemoveLock(ctx, client); err != nil {
			log.Printf("remove lock failed for %s: %v", conn.ID, err)
		}
	}()

	var err error
	if client.Handshake.IsServant {
		err = s.svc.CheckSharingForServant(ctx, client)
	} else {
		err = s.svc.CheckSharing(ctx, client)
	}

	if err != nil {
		if errors.Is(err, collab.ErrFileNotFound) {
			conn.SendError("File not found", "NOT_FOUND")
		} else {
			log.Printf("join failed for %s: %v", conn.ID, err)
			conn.SendError("Join failed", "INTERNAL_ERROR")
		}
		// A failed join is terminal: the error is flushed, then the
		// socket drops.
		conn.Close()
	}
}

func (s *Server) handleMessage(conn *transport.Connection, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypePing:
		conn.SendMessage(protocol.TypePong, map[string]interface{}{
			"type":      protocol.TypePong,
			"id":        msg.ID,
			"timestamp": time.Now().UnixMilli(),
		})

	case protocol.TypeDocUpdate:
		doc, ok := msg.Payload["doc"].(string)
		if !ok {
			conn.SendError("Missing doc", "INVALID_REQUEST")
			return
		}
		if len(doc) > security.SecurityLimits.MaxDocSize {
			conn.SendError("Document too large", "DOC_TOO_LARGE")
			return
		}
		if conn.Client == nil {
			conn.SendError("Not joined", "INVALID_REQUEST")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()

		if err := s.svc.PushDoc(ctx, conn.Client, doc); err != nil {
			log.Printf("doc update failed for %s: %v", conn.ID, err)
			conn.SendError("Update failed", "INTERNAL_ERROR")
		}
	}
}

// handleDisconnect flushes and prunes session state once a participant
// drops. A malformed handshake simply drops the connection with no
// teardown I/O.
func (s *Server) handleDisconnect(conn *transport.Connection) {
	client := conn.Client
	if client == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	params, err := s.svc.DisconnectParams(ctx, client)
	if err != nil {
		if !errors.Is(err, collab.ErrBadRequest) {
			log.Printf("disconnect params failed for %s: %v", conn.ID, err)
		}
		return
	}

	if err := s.svc.SetLock(ctx, client); err != nil {
		log.Printf("set lock failed for %s: %v", conn.ID, err)
	}
	defer func() {
		if err := s.svc.RemoveLock(ctx, client); err != nil {
			log.Printf("remove lock failed for %s: %v", conn.ID, err)
		}
	}()

	if err := s.svc.SaveFileStructure(ctx, collab.SaveParams{
		Key:             params.Key,
		FileStructureID: params.FileStructureID,
		UserID:          client.UserID(),
	}); err != nil {
		log.Printf("flush failed for %s: %v", conn.ID, err)
	}

	if client.Handshake.IsServant {
		if err := s.svc.RemoveServant(ctx, params.Key, client, params.ActiveServants); err != nil {
			log.Printf("remove servant failed for %s: %v", conn.ID, err)
		}
	} else {
		if err := s.svc.RemoveMasterSocketID(ctx, params.Key); err != nil {
			log.Printf("remove master failed for %s: %v", conn.ID, err)
		}
	}

	if _, err := s.svc.DeleteIfAbandoned(ctx, params.Key); err != nil {
		log.Printf("session cleanup failed for %s: %v", conn.ID, err)
	}
}

// parseHandshake resolves the join parameters of a fresh connection.
// Masters carry a JWT; servants carry share-link data pre-authorized by
// upstream middleware.
func (s *Server) parseHandshake(r *http.Request) (*collab.Client, error) {
	q := r.URL.Query()

	if q.Get("sharedUniqueHash") != "" {
		if err := auth.Evaluate(servantSocketPolicy, nil); err != nil {
			return nil, err
		}

		hash := q.Get("sharedUniqueHash")
		if ok, reason := security.ValidateSharedHash(hash); !ok {
			return nil, collab.NewBadRequestError(reason)
		}

		fileStructureID, err := strconv.ParseInt(q.Get("filesStructureId"), 10, 64)
		if err != nil {
			return nil, collab.NewBadRequestError("missing filesStructureId")
		}
		userID, err := strconv.ParseInt(q.Get("userId"), 10, 64)
		if err != nil {
			return nil, collab.NewBadRequestError("missing userId")
		}

		return &collab.Client{
			Handshake: collab.Handshake{
				IsServant: true,
				Data: collab.Data{
					FileStructureID:  fileStructureID,
					SharedUniqueHash: hash,
					UserID:           userID,
					UserUUID:         q.Get("userUuid"),
				},
			},
		}, nil
	}

	payload, err := auth.VerifyToken(q.Get("token"), s.config.JWTSecret)
	if err != nil {
		payload = nil
	}
	if err := auth.Evaluate(masterSocketPolicy, payload); err != nil {
		return nil, err
	}

	fileStructureID, err := strconv.ParseInt(q.Get("filesStructureId"), 10, 64)
	if err != nil {
		return nil, collab.NewBadRequestError("missing filesStructureId")
	}

	return &collab.Client{
		Handshake: collab.Handshake{
			Auth: collab.Auth{
				FileStructureID: fileStructureID,
				UserID:          payload.UserID,
				UserUUID:        payload.UserUUID,
			},
		},
	}, nil
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.config.FrontendURL)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
