package uecp

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const DefaultPort = 4001

// Server listens for UECP on a datagram socket, a stream socket, or both.
// Each datagram listener and each stream connection has its own Deframer.
type Server struct {
	Host string
	Port int
	UDP  bool
	TCP  bool

	// ReadTimeout bounds every blocking socket read so cancellation is
	// noticed promptly.
	ReadTimeout time.Duration

	dec *Decoder
	log *slog.Logger

	mu   sync.Mutex
	udp  net.PacketConn
	tcp  *net.TCPListener
	wg   sync.WaitGroup
	open bool
}

func NewServer(dec *Decoder, host string, port int, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		Host:        host,
		Port:        port,
		UDP:         true,
		TCP:         true,
		ReadTimeout: 500 * time.Millisecond,
		dec:         dec,
		log:         log.With("component", "uecp"),
	}
}

// Start opens the listeners, clears the decoder's applied state, primes the
// encoder and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return errors.New("uecp: already started")
	}
	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))

	if s.UDP {
		pc, err := net.ListenPacket("udp", addr)
		if err != nil {
			return errors.Wrapf(err, "uecp: listen udp %s", addr)
		}
		s.udp = pc
	}
	if s.TCP {
		ta, err := net.ResolveTCPAddr("tcp", addr)
		if err == nil {
			s.tcp, err = net.ListenTCP("tcp", ta)
		}
		if err != nil {
			if s.udp != nil {
				s.udp.Close()
				s.udp = nil
			}
			return errors.Wrapf(err, "uecp: listen tcp %s", addr)
		}
	}
	s.open = true

	s.dec.Reset()
	if err := s.dec.Prime(ctx); err != nil {
		s.log.Error("prime failed", "err", err)
	}

	if s.udp != nil {
		s.wg.Add(1)
		go s.serveUDP(ctx, s.udp)
		s.log.Info("listening", "udp", s.udp.LocalAddr().String())
	}
	if s.tcp != nil {
		s.wg.Add(1)
		go s.serveTCP(ctx, s.tcp)
		s.log.Info("listening", "tcp", s.tcp.Addr().String())
	}
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	return nil
}

func (s *Server) UDPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udp == nil {
		return nil
	}
	return s.udp.LocalAddr()
}

func (s *Server) TCPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcp == nil {
		return nil
	}
	return s.tcp.Addr()
}

// Wait blocks until every listener and connection goroutine has exited.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Close shuts the listeners; serving goroutines exit at their next read.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.open = false
	var err error
	if s.udp != nil {
		err = s.udp.Close()
		s.udp = nil
	}
	if s.tcp != nil {
		if e := s.tcp.Close(); err == nil {
			err = e
		}
		s.tcp = nil
	}
	return err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (s *Server) deadline() time.Time {
	return time.Now().Add(s.ReadTimeout)
}

func (s *Server) feed(ctx context.Context, d *Deframer, b []byte) {
	for _, f := range d.Feed(b) {
		s.dec.HandleFrame(ctx, f)
	}
}

func (s *Server) serveUDP(ctx context.Context, pc net.PacketConn) {
	defer s.wg.Done()
	var d Deframer
	buf := make([]byte, 2048)
	for ctx.Err() == nil {
		pc.SetReadDeadline(s.deadline())
		n, _, err := pc.ReadFrom(buf)
		if n > 0 {
			s.feed(ctx, &d, buf[:n])
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				s.log.Error("udp read", "err", err)
			}
			return
		}
	}
}

func (s *Server) serveTCP(ctx context.Context, l *net.TCPListener) {
	defer s.wg.Done()
	for ctx.Err() == nil {
		l.SetDeadline(s.deadline())
		conn, err := l.Accept()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				s.log.Error("tcp accept", "err", err)
			}
			return
		}
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	s.log.Debug("client connected", "remote", conn.RemoteAddr().String())

	var d Deframer
	buf := make([]byte, 2048)
	for ctx.Err() == nil {
		conn.SetReadDeadline(s.deadline())
		n, err := conn.Read(buf)
		if n > 0 {
			s.feed(ctx, &d, buf[:n])
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			s.log.Debug("client gone", "remote", conn.RemoteAddr().String(), "err", err)
			return
		}
	}
}
