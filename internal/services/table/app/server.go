// Package server hosts the table HTTP/WebSocket process.
//
// The transport stays thin: frames are decoded, guarded, and handed to the
// session engine, whose deliveries are fanned back out over the peer table.
// Room and roster semantics live in internal/session.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	"github.com/chronicarpg/chronica/internal/platform/identity"
	"github.com/chronicarpg/chronica/internal/session"
)

const (
	tokenCookieName = "cr_token"

	defaultReadHeaderTimeout = 5 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
)

// Config defines the inputs for the table transport boundary.
type Config struct {
	HTTPAddr          string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	// Verifier validates identity tokens presented at upgrade. Nil runs the
	// service open: every connection is a guest.
	Verifier *identity.Verifier

	// RequireAuth rejects upgrades without a valid token. It has no effect
	// when Verifier is nil.
	RequireAuth bool
}

// Server hosts the table HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
}

type wsUserIDContextKey struct{}

// NewHandler creates table routes around a session engine. Identity checks
// are disabled; tests and offline paths use this constructor.
func NewHandler(engine *session.Engine) http.Handler {
	return newHandler(engine, nil, false)
}

// NewHandlerWithVerifier creates table routes with identity token checks at
// websocket upgrade.
func NewHandlerWithVerifier(engine *session.Engine, verifier *identity.Verifier, requireAuth bool) http.Handler {
	return newHandler(engine, verifier, requireAuth)
}

func newHandler(engine *session.Engine, verifier *identity.Verifier, requireAuth bool) http.Handler {
	peers := newPeerTable()
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, engine, peers)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if verifier != nil {
			token := accessTokenFromRequest(r)
			if token == "" && requireAuth {
				log.Printf("table: websocket unauthorized: missing %s for host=%q remote=%s", tokenCookieName, r.Host, r.RemoteAddr)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			if token != "" {
				resolved, err := verifier.Verify(token)
				if err != nil {
					log.Printf("table: websocket unauthorized: token rejected for host=%q remote=%s err=%v", r.Host, r.RemoteAddr, err)
					http.Error(w, "authentication required", http.StatusUnauthorized)
					return
				}
				ctx := context.WithValue(r.Context(), wsUserIDContextKey{}, resolved.UserID)
				r = r.WithContext(ctx)
			}
		}

		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

func accessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	cookie, err := r.Cookie(tokenCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

// NewServer builds a configured table server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaultShutdownTimeout
	}

	engine := session.NewEngine(session.Config{})
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(engine, config.Verifier, config.RequireAuth),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
	}, nil
}

// Run creates and serves a table server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init table server: %w", err)
	}

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve table: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("table server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("table server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}
