//go:build linux

package linux

import (
	"bytes"
	"errors"
	"os"
	"syscall"
	"testing"

	"github.com/jjs-dev/minion/sandbox"
)

func newTestConnPair(t *testing.T) (*ipcConn, *ipcConn) {
	t.Helper()
	hostFile, guestFile, err := newIPCSocketpair()
	if err != nil {
		t.Fatalf("newIPCSocketpair: %v", err)
	}
	host, err := newIPCConn(hostFile)
	if err != nil {
		t.Fatalf("wrap host end: %v", err)
	}
	guest, err := newIPCConn(guestFile)
	if err != nil {
		host.Close()
		t.Fatalf("wrap guest end: %v", err)
	}
	t.Cleanup(func() {
		host.Close()
		guest.Close()
	})
	return host, guest
}

func TestIPCMessageRoundTrip(t *testing.T) {
	host, guest := newTestConnPair(t)

	payload := []byte(`{"tag":"ping"}`)
	if err := host.WriteMessage(payload, nil); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	got, fds, err := guest.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
	if len(fds) != 0 {
		t.Errorf("unexpected fds: %v", fds)
	}
}

func TestIPCEmptyFrameCarriesFDs(t *testing.T) {
	host, guest := newTestConnPair(t)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	if err := host.WriteMessage(nil, []int{int(r.Fd())}); err != nil {
		t.Fatalf("WriteMessage with fd: %v", err)
	}
	payload, fds, err := guest.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if len(payload) != 0 {
		t.Errorf("payload = %q, want empty", payload)
	}
	if len(fds) != 1 {
		t.Fatalf("got %d fds, want 1", len(fds))
	}
	defer syscall.Close(fds[0])

	// The received descriptor is a live dup of the pipe's read end.
	if _, err := w.Write([]byte("ok")); err != nil {
		t.Fatalf("write pipe: %v", err)
	}
	buf := make([]byte, 2)
	if _, err := syscall.Read(fds[0], buf); err != nil {
		t.Fatalf("read received fd: %v", err)
	}
	if string(buf) != "ok" {
		t.Errorf("read %q through received fd, want %q", buf, "ok")
	}
}

func TestIPCTooManyFDsRejected(t *testing.T) {
	host, _ := newTestConnPair(t)

	fds := make([]int, maxFDsPerMessage+1)
	for i := range fds {
		fds[i] = 1
	}
	if err := host.WriteMessage(nil, fds); err == nil {
		t.Fatal("WriteMessage with too many fds: want error, got nil")
	}
}

func TestIPCClosedPeerIsTaggedError(t *testing.T) {
	host, guest := newTestConnPair(t)
	guest.Close()

	_, _, err := host.ReadMessage()
	if err == nil {
		t.Fatal("ReadMessage on closed peer: want error, got nil")
	}
	var sbErr *sandbox.Error
	if !errors.As(err, &sbErr) {
		t.Fatalf("error = %v, want *sandbox.Error", err)
	}
	if sbErr.Kind != sandbox.SandboxMisbehavior && sbErr.Kind != sandbox.SandboxIPC {
		t.Errorf("error kind = %v, want SandboxMisbehavior or SandboxIPC", sbErr.Kind)
	}
}
