package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/lockerkit/gpiobridge/internal/daemon"
	"go.uber.org/zap"
)

const (
	// writeWait bounds one delivery to a status client.
	writeWait = 10 * time.Second

	// maxClientLine bounds one upstream frame (acks, queries).
	maxClientLine = 4096
)

// StatusServer is the SOCK_STREAM egress. Every connection becomes one
// subscriber; frames travel as newline-delimited JSON in both directions.
type StatusServer struct {
	path   string
	ln     *net.UnixListener
	daemon *daemon.Daemon
	logger *zap.Logger
}

func NewStatusServer(path string, d *daemon.Daemon, logger *zap.Logger) *StatusServer {
	return &StatusServer{path: path, daemon: d, logger: logger}
}

func (s *StatusServer) Listen() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.path, Net: "unix"})
	if err != nil {
		return err
	}
	s.ln = ln
	s.logger.Info("Status socket listening", zap.String("path", s.path))
	return nil
}

// Serve accepts status clients until ctx is cancelled.
func (s *StatusServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		sub := s.daemon.Register()
		go s.writePump(conn, sub)
		go s.readPump(conn, sub)
	}
}

// readPump drains upstream frames into the event loop. It exits on any read
// error and tears the subscriber down; writePump follows when the send
// channel closes.
func (s *StatusServer) readPump(conn net.Conn, sub *daemon.Subscriber) {
	defer func() {
		s.daemon.Unregister(sub)
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, maxClientLine), maxClientLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg daemon.ClientMsg
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.Warn("Malformed status client frame",
				zap.String("client_id", sub.ID.String()), zap.Error(err))
			continue
		}
		s.daemon.ClientMessage(sub, msg)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("Status client read ended",
			zap.String("client_id", sub.ID.String()), zap.Error(err))
	}
}

// writePump delivers loop-originated frames to the client. A closed send
// channel means the loop dropped this subscriber.
func (s *StatusServer) writePump(conn net.Conn, sub *daemon.Subscriber) {
	defer conn.Close()

	for payload := range sub.Send() {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := writeFrame(conn, payload); err != nil {
			s.logger.Debug("Status client write failed",
				zap.String("client_id", sub.ID.String()), zap.Error(err))
			s.daemon.Unregister(sub)
			for range sub.Send() {
			}
			return
		}
	}
}

// writeFrame sends one newline-terminated frame. The payload slice is shared
// with the retention ring and every other subscriber, so the terminator goes
// into a private buffer, never appended onto the payload itself.
func writeFrame(conn net.Conn, payload []byte) error {
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	_, err := conn.Write(buf)
	return err
}

func (s *StatusServer) Close() error {
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	os.Remove(s.path)
	return err
}
