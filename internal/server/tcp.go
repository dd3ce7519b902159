package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/netutil"

	"github.com/bideasy/auctiond/internal/pool"
	"github.com/bideasy/auctiond/internal/protocol"
)

const tcpWriteTimeout = 10 * time.Second

// TCPServer serves the primary command channel: newline-framed protocol text
// over TCP. Every accepted connection passes through the admission pool
// before any auction logic runs.
type TCPServer struct {
	addr     string
	maxConns int
	pool     *pool.Pool
	handler  *Handler

	ln net.Listener
}

func NewTCPServer(addr string, maxConns int, p *pool.Pool, h *Handler) *TCPServer {
	return &TCPServer{addr: addr, maxConns: maxConns, pool: p, handler: h}
}

// Start begins accepting connections. It returns once the listener is bound;
// the accept loop runs until Stop or ctx cancellation.
func (s *TCPServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.ln = netutil.LimitListener(ln, s.maxConns)
	log.Info().Str("addr", s.addr).Int("max_conns", s.maxConns).Msg("tcp server listening")

	go s.acceptLoop(ctx)
	return nil
}

// Stop closes the listener; in-flight sessions drain through the pool.
func (s *TCPServer) Stop() {
	if s.ln != nil {
		s.ln.Close()
	}
}

func (s *TCPServer) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				log.Warn().Err(err).Msg("tcp accept loop exiting")
			}
			return
		}

		source := sourceKey(conn.RemoteAddr().String())
		submitErr := s.pool.Submit(source, func(taskCtx context.Context) {
			s.serveConn(taskCtx, conn)
		})
		if submitErr != nil {
			// ResourceExhausted: reject before any auction logic, tell the
			// client why, and move on. Other sessions are unaffected.
			conn.SetWriteDeadline(time.Now().Add(tcpWriteTimeout))
			fmt.Fprintf(conn, "%s\n", protocol.Error("connection rejected: "+submitErr.Error()))
			conn.Close()
			log.Warn().Err(submitErr).Str("source", source).Msg("tcp connection rejected at admission")
		}
	}
}

func (s *TCPServer) serveConn(ctx context.Context, conn net.Conn) {
	sess := newSession()
	defer func() {
		s.handler.Detach(sess)
		conn.Close()
	}()

	// Write pump: the hub enqueues into sess.send; only this goroutine
	// touches the socket's write side.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			select {
			case msg := <-sess.send:
				conn.SetWriteDeadline(time.Now().Add(tcpWriteTimeout))
				if _, err := fmt.Fprintf(conn, "%s\n", escapeFraming(msg)); err != nil {
					log.Debug().Err(err).Str("session_id", sess.id).Msg("tcp write failed")
					conn.Close()
					return
				}
			case <-sess.done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.handler.HandleLine(sess, line)
	}
	if err := scanner.Err(); err != nil {
		log.Debug().Err(err).Str("session_id", sess.id).Msg("tcp read ended")
	}

	sess.close()
	<-writeDone
	log.Info().Str("session_id", sess.id).Str("username", sess.Identity()).Msg("tcp session closed")
}

// escapeFraming keeps multi-row payloads (BID_HISTORY) inside a single
// newline-framed message.
func escapeFraming(msg string) string {
	return strings.ReplaceAll(msg, "\n", "\\n")
}
