//go:build linux

package operator

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/cm4all-oss/workshopd/internal/spawnclient"
)

// dialChild opens the child-facing half of the control channel the way a
// spawned job would see it on fd 3.
func dialChild(t *testing.T, sock spawnclient.ControlSocket) *net.UnixConn {
	t.Helper()
	fs, ok := sock.(*fileControlSocket)
	if !ok {
		t.Fatalf("unexpected control socket type %T", sock)
	}
	conn, err := net.FileConn(fs.f)
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		t.Fatalf("unexpected conn type %T", conn)
	}
	return uc
}

func TestControlChannelVersionEcho(t *testing.T) {
	repo := &recordingRepo{}
	op := testOperator(repo)

	srv, sock, err := newControlServer(op)
	if err != nil {
		t.Fatalf("newControlServer: %v", err)
	}
	defer srv.Close()
	defer sock.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	child := dialChild(t, sock)
	defer child.Close()

	if _, err := child.Write([]byte("version")); err != nil {
		t.Fatalf("write version: %v", err)
	}

	child.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := child.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if !strings.HasPrefix(string(buf[:n]), "version ") {
		t.Errorf("reply = %q, want prefix %q", buf[:n], "version ")
	}
}

func TestControlChannelProgressVerb(t *testing.T) {
	repo := &recordingRepo{}
	op := testOperator(repo)

	srv, sock, err := newControlServer(op)
	if err != nil {
		t.Fatalf("newControlServer: %v", err)
	}
	defer srv.Close()
	defer sock.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	child := dialChild(t, sock)
	defer child.Close()

	if _, err := child.Write([]byte("progress 55")); err != nil {
		t.Fatalf("write progress: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := repo.values(); len(got) == 1 && got[0] == 55 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("progress 55 never recorded, got %v", repo.values())
}

func TestControlChannelUnknownVerbGetsError(t *testing.T) {
	repo := &recordingRepo{}
	op := testOperator(repo)

	srv, sock, err := newControlServer(op)
	if err != nil {
		t.Fatalf("newControlServer: %v", err)
	}
	defer srv.Close()
	defer sock.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	child := dialChild(t, sock)
	defer child.Close()

	if _, err := child.Write([]byte("frobnicate now")); err != nil {
		t.Fatalf("write: %v", err)
	}

	child.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := child.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if !strings.HasPrefix(string(buf[:n]), "error ") {
		t.Errorf("reply = %q, want an error reply", buf[:n])
	}
}
