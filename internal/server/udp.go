package server

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// UDPNotifier carries the auxiliary rich notifications over best-effort,
// unordered datagrams. Never authoritative: a lost or dropped datagram is
// simply gone. Clients opt in by sending SUBSCRIBE to the notifier port.
type UDPNotifier struct {
	pc net.PacketConn

	mu   sync.Mutex
	subs map[string]net.Addr
}

func NewUDPNotifier(addr string) (*UDPNotifier, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp on %s: %w", addr, err)
	}
	n := &UDPNotifier{
		pc:   pc,
		subs: make(map[string]net.Addr),
	}
	log.Info().Str("addr", pc.LocalAddr().String()).Msg("udp notifier listening")
	return n, nil
}

// Start runs the subscription listener until ctx is cancelled or Close.
func (n *UDPNotifier) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		n.Close()
	}()

	go func() {
		buf := make([]byte, 256)
		for {
			length, addr, err := n.pc.ReadFrom(buf)
			if err != nil {
				return
			}
			msg := strings.TrimSpace(string(buf[:length]))
			switch {
			case strings.HasPrefix(msg, "SUBSCRIBE"):
				n.subscribe(addr)
			case strings.HasPrefix(msg, "UNSUBSCRIBE"):
				n.unsubscribe(addr)
			}
		}
	}()
}

func (n *UDPNotifier) subscribe(addr net.Addr) {
	n.mu.Lock()
	_, known := n.subs[addr.String()]
	n.subs[addr.String()] = addr
	n.mu.Unlock()

	if !known {
		log.Info().Str("subscriber", addr.String()).Msg("udp subscriber added")
	}
	n.pc.WriteTo([]byte("SUBSCRIBED|You will receive auction notifications"), addr)
}

func (n *UDPNotifier) unsubscribe(addr net.Addr) {
	n.mu.Lock()
	delete(n.subs, addr.String())
	n.mu.Unlock()
	log.Info().Str("subscriber", addr.String()).Msg("udp subscriber removed")
}

// Publish fans msg out to every subscriber. Send failures drop the
// subscriber and are otherwise swallowed.
func (n *UDPNotifier) Publish(msg string) {
	n.mu.Lock()
	snapshot := make([]net.Addr, 0, len(n.subs))
	for _, addr := range n.subs {
		snapshot = append(snapshot, addr)
	}
	n.mu.Unlock()

	data := []byte(msg)
	for _, addr := range snapshot {
		if _, err := n.pc.WriteTo(data, addr); err != nil {
			log.Warn().Err(err).Str("subscriber", addr.String()).Msg("udp send failed, dropping subscriber")
			n.unsubscribe(addr)
		}
	}
}

func (n *UDPNotifier) Close() {
	n.pc.Close()
}
