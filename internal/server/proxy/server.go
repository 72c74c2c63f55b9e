// Package proxy relays USB/IP connections to an upstream server and logs the
// decoded traffic, including the command frames exchanged with a Proxmark.
package proxy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pm3link/pm3link/internal/log"
)

// Config configures the proxy.
type Config struct {
	ListenAddr        string        `help:"Proxy listen address" default:":3241" env:"PM3LINK_PROXY_ADDR"`
	UpstreamAddr      string        `help:"Upstream USB-IP server address" required:"" env:"PM3LINK_PROXY_UPSTREAM"`
	ConnectionTimeout time.Duration `help:"Connection timeout" default:"30s" env:"PM3LINK_PROXY_TIMEOUT"`
}

type Server struct {
	listenAddr        string
	upstreamAddr      string
	connectionTimeout time.Duration
	logger            *slog.Logger
	rawLogger         log.RawLogger
	ln                net.Listener
	ready             chan struct{}
}

func New(cfg Config, logger *slog.Logger, rawLogger log.RawLogger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if rawLogger == nil {
		rawLogger = log.NewRaw(nil)
	}
	return &Server{
		listenAddr:        cfg.ListenAddr,
		upstreamAddr:      cfg.UpstreamAddr,
		connectionTimeout: cfg.ConnectionTimeout,
		logger:            logger,
		rawLogger:         rawLogger,
		ready:             make(chan struct{}),
	}
}

func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}
	return s.Serve(ln)
}

// Ready is closed once the proxy accepts connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Serve accepts connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.ln = ln
	close(s.ready)
	s.logger.Info("USB-IP proxy listening", "addr", ln.Addr().String(), "upstream", s.upstreamAddr)

	for {
		clientConn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.logger.Info("Proxy server stopped")
				return nil
			}
			s.logger.Error("Accept error", "error", err)
			continue
		}
		s.logger.Info("Client connected", "remote", clientConn.RemoteAddr())
		go s.handleProxy(clientConn)
	}
}

func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) handleProxy(clientConn net.Conn) {
	defer clientConn.Close()

	upstreamConn, err := net.DialTimeout("tcp", s.upstreamAddr, s.connectionTimeout)
	if err != nil {
		s.logger.Error("Failed to connect to upstream", "upstream", s.upstreamAddr, "error", err)
		return
	}
	defer upstreamConn.Close()

	s.logger.Info("Proxying connection", "client", clientConn.RemoteAddr(), "upstream", upstreamConn.RemoteAddr())

	if s.connectionTimeout > 0 {
		deadline := time.Now().Add(s.connectionTimeout)
		if err := clientConn.SetDeadline(deadline); err != nil {
			s.logger.Error("Failed to set client deadline", "error", err)
			return
		}
		if err := upstreamConn.SetDeadline(deadline); err != nil {
			s.logger.Error("Failed to set upstream deadline", "error", err)
			return
		}
	}

	parser := NewParser(s.logger)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		bytes, err := s.copyWithLogging(upstreamConn, clientConn, parser, true)
		if err != nil && !isExpectedDisconnect(err) {
			s.logger.Debug("Client->Server copy error", "error", err)
		}
		s.logger.Debug("Client->Server stream ended", "bytes", bytes)
		halfClose(upstreamConn, true)
		halfClose(clientConn, false)
	}()

	go func() {
		defer wg.Done()
		bytes, err := s.copyWithLogging(clientConn, upstreamConn, parser, false)
		if err != nil && !isExpectedDisconnect(err) {
			s.logger.Debug("Server->Client copy error", "error", err)
		}
		s.logger.Debug("Server->Client stream ended", "bytes", bytes)
		halfClose(clientConn, true)
		halfClose(upstreamConn, false)
	}()

	wg.Wait()
	s.logger.Info("Connection closed", "client", clientConn.RemoteAddr())
}

func (s *Server) copyWithLogging(dst net.Conn, src net.Conn, parser *Parser, clientToServer bool) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	firstPacket := true

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			s.rawLogger.Log(clientToServer, buf[:n])

			parser.Parse(buf[:n], clientToServer)

			if firstPacket {
				err := src.SetDeadline(time.Time{})
				if err != nil {
					s.logger.Error("Failed to clear source deadline", "error", err)
					return total, err
				}
				err = dst.SetDeadline(time.Time{})
				if err != nil {
					s.logger.Error("Failed to clear destination deadline", "error", err)
					return total, err
				}
				firstPacket = false
			}

			wn, werr := dst.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
			if wn != n {
				return total, fmt.Errorf("short write: wrote %d of %d", wn, n)
			}
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, rerr
		}
	}
}

func halfClose(conn net.Conn, write bool) {
	if tc, ok := conn.(*net.TCPConn); ok {
		if write {
			_ = tc.CloseWrite()
		} else {
			_ = tc.CloseRead()
		}
	}
}

func isExpectedDisconnect(err error) bool {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	e := strings.ToLower(err.Error())
	return strings.Contains(e, "connection reset") ||
		strings.Contains(e, "broken pipe") ||
		strings.Contains(e, "forcibly closed")
}
