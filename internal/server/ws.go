package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/bideasy/auctiond/internal/pool"
	"github.com/bideasy/auctiond/internal/protocol"
)

// WSConfig holds WebSocket connection tuning.
type WSConfig struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

func DefaultWSConfig() WSConfig {
	return WSConfig{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 1024,
	}
}

// HTTPServer carries the WebSocket transport plus the admin surface:
// /ws, /health, /stats and /metrics.
type HTTPServer struct {
	addr     string
	cfg      WSConfig
	pool     *pool.Pool
	handler  *Handler
	registry *prometheus.Registry
	upgrader websocket.Upgrader

	srv *http.Server
}

func NewHTTPServer(addr string, cfg WSConfig, p *pool.Pool, h *Handler, registry *prometheus.Registry) *HTTPServer {
	return &HTTPServer{
		addr:     addr,
		cfg:      cfg,
		pool:     p,
		handler:  h,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Start binds the HTTP listener and serves until Stop.
func (s *HTTPServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.handleWS(ctx, w, r)
	})
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodPost},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	s.srv = &http.Server{
		Addr:    s.addr,
		Handler: c.Handler(mux),
	}

	go func() {
		log.Info().Str("addr", s.addr).Msg("http server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server failed")
		}
	}()
	return nil
}

// Stop shuts the HTTP listener down within the given context deadline.
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *HTTPServer) handleWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	source := sourceKey(r.RemoteAddr)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("source", source).Msg("websocket upgrade failed")
		return
	}

	submitErr := s.pool.Submit(source, func(taskCtx context.Context) {
		s.serveWS(taskCtx, conn)
	})
	if submitErr != nil {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		conn.WriteMessage(websocket.TextMessage, []byte(protocol.Error("connection rejected: "+submitErr.Error())))
		conn.Close()
		log.Warn().Err(submitErr).Str("source", source).Msg("websocket connection rejected at admission")
	}
}

func (s *HTTPServer) serveWS(ctx context.Context, conn *websocket.Conn) {
	sess := newSession()
	defer func() {
		s.handler.Detach(sess)
		conn.Close()
	}()

	// Write pump, including keepalive pings, mirrors the read/write split of
	// the TCP transport: one goroutine owns the write side.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case msg := <-sess.send:
				conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
					log.Debug().Err(err).Str("session_id", sess.id).Msg("websocket write failed")
					conn.Close()
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			case <-sess.done:
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
	}()

	conn.SetReadLimit(s.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("session_id", sess.id).Msg("unexpected websocket close")
			}
			break
		}
		s.handler.HandleLine(sess, string(message))
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}

	sess.close()
	<-writeDone
	log.Info().Str("session_id", sess.id).Str("username", sess.Identity()).Msg("websocket session closed")
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.pool.Health()
	status := http.StatusOK
	if health == pool.Critical {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	fmt.Fprintln(w, health.String())
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.pool.Stats()); err != nil {
		log.Warn().Err(err).Msg("stats encode failed")
	}
}
