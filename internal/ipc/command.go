package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"

	"github.com/lockerkit/gpiobridge/internal/daemon"
	"github.com/lockerkit/gpiobridge/internal/types"
	"go.uber.org/zap"
)

// maxDatagram bounds one command datagram. Commands are small JSON objects;
// anything near this size is garbage.
const maxDatagram = 4096

// CommandServer is the SOCK_DGRAM ingress. Each datagram is one command;
// rejections go back to the sender when its socket is bound.
type CommandServer struct {
	path   string
	conn   *net.UnixConn
	daemon *daemon.Daemon
	logger *zap.Logger
}

func NewCommandServer(path string, d *daemon.Daemon, logger *zap.Logger) *CommandServer {
	return &CommandServer{path: path, daemon: d, logger: logger}
}

// Listen binds the socket, replacing a stale file from a previous run.
func (s *CommandServer) Listen() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: s.path, Net: "unixgram"})
	if err != nil {
		return err
	}
	s.conn = conn
	s.logger.Info("Command socket listening", zap.String("path", s.path))
	return nil
}

// Serve reads datagrams until ctx is cancelled. Malformed JSON is answered
// with a client_protocol_error and never reaches the event loop.
func (s *CommandServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := s.conn.ReadFromUnix(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("Command socket read failed", zap.Error(err))
			return err
		}

		reply := s.replyTo(addr)
		var cmd daemon.Command
		if err := json.Unmarshal(buf[:n], &cmd); err != nil {
			s.logger.Warn("Dropping malformed command datagram", zap.Error(err))
			if reply != nil {
				reply(types.NewErrorResponse(types.CodeClientProtocolError, "malformed JSON", nil))
			}
			continue
		}
		s.daemon.Submit(daemon.CommandRequest{Cmd: cmd, Reply: reply})
	}
}

// replyTo builds the rejection path back to a bound sender. Unbound senders
// (addr empty) get nil: there is nowhere to write.
func (s *CommandServer) replyTo(addr *net.UnixAddr) func(types.ErrorResponse) {
	if addr == nil || addr.Name == "" {
		return nil
	}
	return func(resp types.ErrorResponse) {
		payload, err := json.Marshal(resp)
		if err != nil {
			return
		}
		if _, err := s.conn.WriteToUnix(payload, addr); err != nil {
			s.logger.Debug("Failed to deliver rejection",
				zap.String("peer", addr.Name), zap.Error(err))
		}
	}
}

func (s *CommandServer) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	os.Remove(s.path)
	return err
}
