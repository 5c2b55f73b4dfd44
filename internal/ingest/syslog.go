package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/netpanic/netpanic/internal/core"
)

// Server listens for syslog over UDP (one line per datagram) and TCP
// (newline-delimited) and hands each line to a Service. A negative port
// disables that listener; port 0 binds an ephemeral port.
type Server struct {
	cfg     core.IngressConfig
	svc     *Service
	logger  zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	udpConn *net.UDPConn
	tcpLn   net.Listener
	wg      sync.WaitGroup
}

// NewServer creates a syslog server feeding svc.
func NewServer(cfg core.IngressConfig, svc *Service, logger zerolog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		svc:    svc,
		logger: logger.With().Str("component", "syslog_receiver").Logger(),
	}
}

// Start binds the listeners. Bind failures are returned; everything after
// that is logged per connection or datagram.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.cfg.ListenPortUDP >= 0 {
		if err := s.startUDP(s.addr(s.cfg.ListenPortUDP)); err != nil {
			s.Stop()
			return fmt.Errorf("starting syslog UDP listener: %w", err)
		}
	}
	if s.cfg.ListenPortTCP >= 0 {
		if err := s.startTCP(s.addr(s.cfg.ListenPortTCP)); err != nil {
			s.Stop()
			return fmt.Errorf("starting syslog TCP listener: %w", err)
		}
	}
	return nil
}

func (s *Server) addr(port int) string {
	return net.JoinHostPort(s.cfg.ListenHost, strconv.Itoa(port))
}

// UDPAddr returns the bound UDP address, or nil.
func (s *Server) UDPAddr() net.Addr {
	if s.udpConn == nil {
		return nil
	}
	return s.udpConn.LocalAddr()
}

// TCPAddr returns the bound TCP address, or nil.
func (s *Server) TCPAddr() net.Addr {
	if s.tcpLn == nil {
		return nil
	}
	return s.tcpLn.Addr()
}

// Stop closes the listeners and waits for in-flight handlers.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	if s.tcpLn != nil {
		s.tcpLn.Close()
	}
	s.wg.Wait()
	s.logger.Info().Msg("syslog receiver stopped")
	return nil
}

func (s *Server) startUDP(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolving UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listening on UDP %s: %w", addr, err)
	}
	s.udpConn = conn

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		buf := make([]byte, 65536)
		for {
			if s.ctx.Err() != nil {
				return
			}
			conn.SetReadDeadline(time.Now().Add(1 * time.Second))
			n, remote, err := conn.ReadFromUDP(buf)
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					continue
				}
				if s.ctx.Err() != nil {
					return
				}
				s.logger.Error().Err(err).Msg("UDP read error")
				continue
			}

			datagram := string(buf[:n])
			peer := ""
			if remote != nil {
				peer = remote.IP.String()
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleDatagram(datagram, peer)
			}()
		}
	}()

	s.logger.Info().Str("addr", conn.LocalAddr().String()).Msg("syslog UDP listener started")
	return nil
}

func (s *Server) handleDatagram(datagram, peer string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("peer", peer).Msg("unexpected error handling UDP datagram")
		}
	}()
	s.process(cleanLine(datagram), peer, "udp")
}

func (s *Server) startTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on TCP %s: %w", addr, err)
	}
	s.tcpLn = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.logger.Error().Err(err).Msg("TCP accept error")
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleTCPConn(conn)
			}()
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("syslog TCP listener started")
	return nil
}

func (s *Server) handleTCPConn(conn net.Conn) {
	defer conn.Close()

	peer := "unknown"
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		peer = addr.IP.String()
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("peer", peer).Msg("unexpected error on TCP connection")
		}
	}()

	// Unblock the scanner when the server stops.
	stop := context.AfterFunc(s.ctx, func() { conn.Close() })
	defer stop()

	bufSize := max(65536, s.cfg.MaxLineLength*4+2)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), bufSize)

	for scanner.Scan() {
		s.process(cleanLine(scanner.Text()), peer, "tcp")
	}
	if err := scanner.Err(); err != nil && s.ctx.Err() == nil {
		s.logger.Warn().Err(err).Str("peer", peer).Msg("TCP connection read error")
	}
}

func (s *Server) process(line, peer, proto string) {
	_, err := s.svc.ReceiveLine(s.ctx, line, peer)
	switch {
	case err == nil:
	case core.IsValidation(err):
		s.logger.Warn().Err(err).Str("peer", peer).Str("proto", proto).Msg("invalid syslog line")
	default:
		s.logger.Error().Err(err).Str("peer", peer).Str("proto", proto).Msg("ingest failed")
	}
}

// cleanLine replaces invalid UTF-8 and strips surrounding CR/LF.
func cleanLine(s string) string {
	return strings.Trim(strings.ToValidUTF8(s, "\uFFFD"), "\r\n")
}
