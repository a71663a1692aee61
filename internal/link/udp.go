package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/kstaniek/can-relay/internal/logging"
	"github.com/kstaniek/can-relay/internal/metrics"
	"github.com/kstaniek/can-relay/internal/relay"
)

// UDP carries one relay payload per datagram. With no configured peer the
// link answers whichever address last sent it a payload.
type UDP struct {
	conn   *net.UDPConn
	peer   atomic.Pointer[net.UDPAddr]
	fixed  bool
	l      *slog.Logger
	closed atomic.Bool
}

// ListenUDP binds listen and, when peer is non-empty, resolves it as the
// fixed destination for Send.
func ListenUDP(listen, peer string, l *slog.Logger) (*UDP, error) {
	laddr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, fmt.Errorf("udp listen addr %q: %w", listen, err)
	}
	u := &UDP{l: logging.Or(l)}
	if peer != "" {
		raddr, err := net.ResolveUDPAddr("udp", peer)
		if err != nil {
			return nil, fmt.Errorf("udp peer addr %q: %w", peer, err)
		}
		u.peer.Store(raddr)
		u.fixed = true
	}
	u.conn, err = net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("udp listen %s: %w", listen, err)
	}
	u.l.Info("udp_listen", "addr", u.conn.LocalAddr().String(), "peer", peer)
	return u, nil
}

// LocalAddr returns the bound address.
func (u *UDP) LocalAddr() *net.UDPAddr { return u.conn.LocalAddr().(*net.UDPAddr) }

// Peer returns the current destination, or nil if none is known yet.
func (u *UDP) Peer() *net.UDPAddr { return u.peer.Load() }

// Send writes payload as a single datagram.
func (u *UDP) Send(payload []byte) error {
	if u.closed.Load() {
		return ErrClosed
	}
	if len(payload) == 0 {
		return nil
	}
	if err := checkSize(payload); err != nil {
		return err
	}
	peer := u.peer.Load()
	if peer == nil {
		return ErrNoPeer
	}
	if _, err := u.conn.WriteToUDP(payload, peer); err != nil {
		return fmt.Errorf("udp send %s: %w", peer, err)
	}
	return nil
}

// Run receives datagrams until ctx is done or the socket is closed.
// Datagrams larger than one relay payload are counted as malformed and dropped.
func (u *UDP) Run(ctx context.Context, onPayload func([]byte)) error {
	defer u.l.Info("udp_rx_end")
	stop := context.AfterFunc(ctx, func() { _ = u.Close() })
	defer stop()
	buf := make([]byte, readBufSize)
	backoff := rxBackoffMin
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || u.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			metrics.IncError(metrics.ErrLinkRead)
			u.l.Warn("udp_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = rxBackoffMin
		if n > relay.MaxPayload {
			metrics.IncMalformed()
			u.l.Debug("udp_oversize_datagram", "from", from.String(), "bytes", n)
			continue
		}
		if !u.fixed {
			if cur := u.peer.Load(); cur == nil || !cur.IP.Equal(from.IP) || cur.Port != from.Port {
				u.peer.Store(from)
				u.l.Info("udp_peer_learned", "peer", from.String())
			}
		}
		onPayload(buf[:n])
	}
}

// Close closes the socket; a blocked Run returns.
func (u *UDP) Close() error {
	if u.closed.Swap(true) {
		return nil
	}
	return u.conn.Close()
}
