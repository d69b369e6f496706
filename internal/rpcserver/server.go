package rpcserver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sev-custody/enclaveworker/infrastructure/logging"
	workerErrors "github.com/sev-custody/enclaveworker/infrastructure/errors"
)

// TLSConfig carries the cert/key/root-CA triple the RPC listener
// requires. If RequireClientCert is true and CACertPath is empty, New
// refuses to construct a Server rather than silently falling back to
// system roots, matching the teacher's marble TLS bootstrap.
type TLSConfig struct {
	ServerCertPath    string
	ServerKeyPath     string
	CACertPath        string
	RequireClientCert bool
}

// Server is the mutual-TLS msgpack RPC listener.
type Server struct {
	handlers  *Handlers
	logger    *logging.Logger
	tlsConfig *tls.Config
	addr      string

	listener net.Listener
}

// New constructs a Server. It loads and parses the TLS material
// eagerly: if the certificate triple cannot be loaded, New returns an
// error and the process must refuse to start rather than bind without
// transport security.
func New(addr string, tc TLSConfig, handlers *Handlers, logger *logging.Logger) (*Server, error) {
	cert, err := tls.LoadX509KeyPair(tc.ServerCertPath, tc.ServerKeyPath)
	if err != nil {
		return nil, workerErrors.Wrap(workerErrors.KindInternal, "load RPC server certificate", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}

	if tc.RequireClientCert {
		if tc.CACertPath == "" {
			return nil, workerErrors.New(workerErrors.KindInternal, "client certificate authentication required but no CA certificate configured")
		}
		caPEM, err := os.ReadFile(tc.CACertPath)
		if err != nil {
			return nil, workerErrors.Wrap(workerErrors.KindInternal, "read RPC CA certificate", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, workerErrors.New(workerErrors.KindInternal, "parse RPC CA certificate")
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return &Server{handlers: handlers, logger: logger, tlsConfig: cfg, addr: addr}, nil
}

// Serve binds the listener and accepts connections until ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := tls.Listen("tcp", s.addr, s.tlsConfig)
	if err != nil {
		return fmt.Errorf("bind RPC listener on %s: %w", s.addr, err)
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.logger.Error(ctx, "RPC accept failed", err, nil)
				continue
			}
		}
		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	for {
		header, body, err := readFrame(conn)
		if err != nil {
			return
		}
		respOp, respStatus, respBody := s.dispatch(ctx, header.Opcode, body)
		if err := writeFrame(conn, respOp, respStatus, respBody); err != nil {
			return
		}
		_ = conn.SetDeadline(time.Now().Add(30 * time.Second))
	}
}

func (s *Server) dispatch(ctx context.Context, op opcode, body []byte) (opcode, status, interface{}) {
	result, err := s.handlers.handle(ctx, op, body)
	if err != nil {
		s.logger.WithError(ctx, err).Error("RPC request failed")
		kind := workerErrors.KindOf(err)
		st := statusInternal
		if kind == workerErrors.KindInvalidInput {
			st = statusInvalidArgument
		}
		return op, st, errorBody{Kind: string(kind), Message: sanitizedMessage(kind, err)}
	}
	return op, statusOK, result
}

// sanitizedMessage returns err's message for client-safe kinds, and a
// generic message for KindInternal so internal details never cross the
// transport boundary.
func sanitizedMessage(kind workerErrors.Kind, err error) string {
	if kind == workerErrors.KindInternal {
		return "internal error"
	}
	return err.Error()
}
