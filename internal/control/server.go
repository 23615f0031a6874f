//go:build linux

package control

import (
	"context"
	"log/slog"
	"net"
	"os"

	"github.com/cm4all-oss/workshopd/internal/metrics"
	"golang.org/x/sys/unix"
)

// DefaultSocketPath is the abstract-namespace address the daemon binds
// and the CLI defaults to.
const DefaultSocketPath = "@cm4all-workshop.control"

// Handler reacts to the four non-NOP commands. Every method is called
// only after the sender's peer UID has been verified to be root.
type Handler interface {
	SetVerbose(level int)
	DisableQueue()
	EnableQueue()
	TerminateChildren(tag string)
}

// Server listens on a Unix datagram socket and dispatches verified
// packets to a Handler.
type Server struct {
	conn    *net.UnixConn
	handler Handler
	logger  *slog.Logger
	euid    uint32
}

// NewServer binds a Unix datagram socket at path (an abstract-namespace
// address if it begins with "@") and enables SO_PASSCRED so every
// received datagram carries the sender's credentials.
func NewServer(path string, handler Handler, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return nil, err
	}
	rawConn, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, err
	}
	var sockoptErr error
	if err := rawConn.Control(func(fd uintptr) {
		sockoptErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PASSCRED, 1)
	}); err != nil {
		conn.Close()
		return nil, err
	}
	if sockoptErr != nil {
		conn.Close()
		return nil, sockoptErr
	}
	return &Server{conn: conn, handler: handler, logger: logger.With("component", "control"), euid: uint32(os.Geteuid())}, nil
}

// Close releases the listening socket.
func (s *Server) Close() error { return s.conn.Close() }

// Serve reads datagrams until ctx is canceled or the socket closes.
func (s *Server) Serve(ctx context.Context) error {
	buf := make([]byte, 64*1024)
	oob := make([]byte, unix.CmsgSpace(unix.SizeofUcred))

	for {
		n, oobn, _, _, err := s.conn.ReadMsgUnix(buf, oob)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		uid, ok := peerUID(oob[:oobn])
		if !ok {
			s.logger.Warn("datagram without peer credentials, dropping")
			continue
		}

		// The whole datagram is accepted only from peer UID 0 or the
		// daemon's own effective UID; everything else is silently
		// dropped before any packet is even decoded, for every
		// command including NOP.
		if uid != 0 && uid != s.euid {
			metrics.ControlCommandsTotal.WithLabelValues("*", "rejected_uid").Inc()
			s.logger.Warn("control datagram from unauthorized peer, dropping", "uid", uid)
			continue
		}

		packets, err := DecodeDatagram(buf[:n])
		if err != nil {
			s.logger.Warn("malformed control datagram, dropping", "error", err)
			continue
		}
		for _, p := range packets {
			s.dispatch(p)
		}
	}
}

func (s *Server) dispatch(p Packet) {
	switch p.Command {
	case NOP:
	case VERBOSE:
		if len(p.Payload) != 1 {
			metrics.ControlCommandsTotal.WithLabelValues(p.Command.String(), "bad_payload").Inc()
			return
		}
		s.handler.SetVerbose(int(p.Payload[0]))
	case DISABLE_QUEUE:
		s.handler.DisableQueue()
	case ENABLE_QUEUE:
		s.handler.EnableQueue()
	case TERMINATE_CHILDREN:
		s.handler.TerminateChildren(string(p.Payload))
	default:
		metrics.ControlCommandsTotal.WithLabelValues(p.Command.String(), "unknown").Inc()
		return
	}
	metrics.ControlCommandsTotal.WithLabelValues(p.Command.String(), "ok").Inc()
}

// peerUID extracts the sender's UID from SCM_CREDENTIALS ancillary
// data, present because NewServer enabled SO_PASSCRED.
func peerUID(oob []byte) (uint32, bool) {
	messages, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0, false
	}
	for _, m := range messages {
		cred, err := unix.ParseUnixCredentials(&m)
		if err != nil {
			continue
		}
		return uint32(cred.Uid), true
	}
	return 0, false
}
