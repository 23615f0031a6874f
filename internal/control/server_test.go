//go:build linux

package control

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// fakeHandler records every call it receives.
type fakeHandler struct {
	mu         sync.Mutex
	verbose    []int
	disabled   int
	enabled    int
	terminated []string
}

func (h *fakeHandler) SetVerbose(level int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.verbose = append(h.verbose, level)
}
func (h *fakeHandler) DisableQueue() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disabled++
}
func (h *fakeHandler) EnableQueue() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enabled++
}
func (h *fakeHandler) TerminateChildren(tag string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated = append(h.terminated, tag)
}

func (h *fakeHandler) snapshot() ([]int, int, int, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.verbose...), h.disabled, h.enabled, append([]string(nil), h.terminated...)
}

// sendDatagram sends data to addr from a fresh unixgram socket carrying
// this process's own SCM_CREDENTIALS, the only case a test running as
// an unprivileged user can legitimately produce (faking another UID's
// credentials requires CAP_SETUID).
func sendDatagram(t *testing.T, addr string, data []byte) {
	t.Helper()
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: "", Net: "unixgram"})
	if err != nil {
		t.Fatalf("ListenUnixgram: %v", err)
	}
	defer conn.Close()

	oob := unix.UnixCredentials(&unix.Ucred{
		Pid: int32(os.Getpid()),
		Uid: uint32(os.Getuid()),
		Gid: uint32(os.Getgid()),
	})
	if _, _, err := conn.WriteMsgUnix(data, oob, &net.UnixAddr{Name: addr, Net: "unixgram"}); err != nil {
		t.Fatalf("WriteMsgUnix: %v", err)
	}
}

func abstractAddr(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("@workshopd-control-test-%d-%d", os.Getpid(), time.Now().UnixNano())
}

func TestServerDispatchesFromOwnEuid(t *testing.T) {
	handler := &fakeHandler{}
	addr := abstractAddr(t)
	srv, err := NewServer(addr, handler, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	data := EncodeDatagram(
		Packet{Command: VERBOSE, Payload: []byte{2}},
		Packet{Command: DISABLE_QUEUE},
		Packet{Command: ENABLE_QUEUE},
		Packet{Command: TERMINATE_CHILDREN, Payload: []byte("mytag")},
	)
	sendDatagram(t, addr, data)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		verbose, disabled, enabled, terminated := handler.snapshot()
		if len(verbose) == 1 && disabled == 1 && enabled == 1 && len(terminated) == 1 {
			if verbose[0] != 2 || terminated[0] != "mytag" {
				t.Fatalf("unexpected dispatch: verbose=%v terminated=%v", verbose, terminated)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for all four commands to be dispatched")
}

func TestServerDropsMalformedDatagram(t *testing.T) {
	handler := &fakeHandler{}
	addr := abstractAddr(t)
	srv, err := NewServer(addr, handler, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	sendDatagram(t, addr, []byte{0, 0, 0, 0, 0, 0, 0, 0})

	// Follow up with a well-formed datagram; if the malformed one had
	// wedged the read loop, this would never be dispatched either.
	sendDatagram(t, addr, EncodeDatagram(Packet{Command: VERBOSE, Payload: []byte{9}}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		verbose, _, _, _ := handler.snapshot()
		if len(verbose) == 1 {
			if verbose[0] != 9 {
				t.Fatalf("unexpected verbose level %v", verbose)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for the well-formed follow-up datagram to be dispatched")
}

func TestPeerUIDParsesCredentials(t *testing.T) {
	oob := unix.UnixCredentials(&unix.Ucred{Pid: int32(os.Getpid()), Uid: 4242, Gid: 100})
	uid, ok := peerUID(oob)
	if !ok || uid != 4242 {
		t.Fatalf("peerUID = (%d, %v), want (4242, true)", uid, ok)
	}
}

func TestPeerUIDRejectsGarbageAncillaryData(t *testing.T) {
	if _, ok := peerUID([]byte{1, 2, 3}); ok {
		t.Fatal("expected peerUID to reject malformed ancillary data")
	}
	if _, ok := peerUID(nil); ok {
		t.Fatal("expected peerUID to reject absent ancillary data")
	}
}
