//go:build linux

// Control-channel RPC server: one SOCK_SEQPACKET socket pair per
// operator, one end handed to the child as fd 3, the other served here.
package operator

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/cm4all-oss/workshopd/internal/metrics"
	"github.com/cm4all-oss/workshopd/internal/spawnclient"
)

// fileControlSocket adapts the child-facing half of a socketpair to
// spawnclient.ControlSocket.
type fileControlSocket struct {
	f *os.File
}

func (s *fileControlSocket) Fd() uintptr { return s.f.Fd() }
func (s *fileControlSocket) Close() error { return s.f.Close() }

// controlServer owns the daemon-facing half of the control channel and
// dispatches datagrams to the owning Operator.
type controlServer struct {
	op   *Operator
	conn *net.UnixConn

	mu     sync.Mutex
	closed bool
}

// newControlServer creates a SOCK_SEQPACKET socket pair: the returned
// spawnclient.ControlSocket is handed to the child as fd 3, while the
// controlServer serves the daemon-facing half.
func newControlServer(op *Operator) (*controlServer, spawnclient.ControlSocket, error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}

	daemonFile := os.NewFile(uintptr(fds[0]), "workshop-control-daemon")
	childFile := os.NewFile(uintptr(fds[1]), "workshop-control-child")

	rawConn, err := net.FileConn(daemonFile)
	_ = daemonFile.Close() // net.FileConn dup'd the descriptor
	if err != nil {
		_ = childFile.Close()
		return nil, nil, fmt.Errorf("file conn: %w", err)
	}
	uc, ok := rawConn.(*net.UnixConn)
	if !ok {
		_ = rawConn.Close()
		_ = childFile.Close()
		return nil, nil, fmt.Errorf("unexpected conn type %T", rawConn)
	}

	return &controlServer{op: op, conn: uc}, &fileControlSocket{f: childFile}, nil
}

// Serve reads datagrams until the socket closes or ctx is done.
func (s *controlServer) Serve(ctx context.Context) {
	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.handle(ctx, string(buf[:n]))
	}
}

func (s *controlServer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_ = s.conn.Close()
}

func (s *controlServer) reply(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, err := s.conn.Write([]byte(msg)); err != nil {
		// Send failure is a permanent error; stop serving this
		// connection.
		s.closed = true
		_ = s.conn.Close()
	}
}

// ControlVersion is echoed back on the "version" verb.
const ControlVersion = "1"

func (s *controlServer) handle(ctx context.Context, datagram string) {
	fields := strings.Fields(datagram)
	if len(fields) == 0 {
		s.reply("error empty command")
		return
	}
	verb := fields[0]
	args := fields[1:]

	metrics.ControlChannelCommandsTotal.WithLabelValues(verb).Inc()

	switch verb {
	case "progress":
		s.handleProgress(ctx, args)
	case "setenv":
		s.handleSetEnv(ctx, args)
	case "again":
		s.handleAgain(args)
	case "version":
		s.reply("version " + ControlVersion)
	case "spawn":
		s.handleSpawn(ctx, args)
	default:
		s.reply("error unknown command " + verb)
	}
}

func (s *controlServer) handleProgress(ctx context.Context, args []string) {
	if len(args) != 1 {
		s.reply("error progress requires exactly one argument")
		return
	}
	value, err := strconv.Atoi(args[0])
	if err != nil || value < 0 || value > 100 {
		s.reply("error invalid progress value")
		return
	}
	s.op.onProgress(ctx, value)
}

func (s *controlServer) handleSetEnv(ctx context.Context, args []string) {
	if len(args) != 1 {
		s.reply("error setenv requires exactly one argument")
		return
	}
	if err := s.op.onSetEnv(ctx, args[0]); err != nil {
		s.reply("error " + err.Error())
	}
}

func (s *controlServer) handleAgain(args []string) {
	delay := int64(0)
	if len(args) > 0 {
		v, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || v < 0 || v > 86400 {
			s.reply("error invalid delay")
			return
		}
		delay = v
	}
	s.op.onAgain(secondsToDuration(delay))
}

func (s *controlServer) handleSpawn(ctx context.Context, args []string) {
	if len(args) < 1 {
		s.reply("error spawn requires a translation token")
		return
	}
	token := args[0]
	param := ""
	if len(args) > 1 {
		param = strings.Join(args[1:], " ")
	}
	if err := s.op.onSpawn(ctx, token, param); err != nil {
		s.reply("error " + err.Error())
		return
	}
	s.reply("ok")
}
