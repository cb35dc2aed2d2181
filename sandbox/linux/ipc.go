//go:build linux

package linux

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/jjs-dev/minion/sandbox"
)

// maxFDsPerMessage bounds how many descriptors one frame can carry —
// matches the protocol's SCM_RIGHTS chunking limit.
const maxFDsPerMessage = 8

// ipcConn wraps one end of the zygote control socket: a SOCK_SEQPACKET
// unix socket pair, used to send tagged JSON messages with an optional
// batch of ancillary file descriptors (stdio pipes, extra inherited FDs).
// Grounded on original_source's linux/ipc.rs framing (len:u64 LE prefix,
// then the payload; FDs travel out-of-band via SCM_RIGHTS alongside the
// frame that references them).
type ipcConn struct {
	conn *net.UnixConn
}

// newIPCSocketpair creates the host/guest ends of the control channel.
func newIPCSocketpair() (host, guest *os.File, err error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "minion-ipc-host"),
		os.NewFile(uintptr(fds[1]), "minion-ipc-guest"),
		nil
}

func newIPCConn(f *os.File) (*ipcConn, error) {
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("FileConn on ipc socket: %w", err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("ipc socket is not a unix conn: %T", c)
	}
	// The os.File is no longer needed once wrapped; FileConn dup'd it.
	f.Close()
	return &ipcConn{conn: uc}, nil
}

// WriteMessage sends a length-prefixed payload, optionally carrying up to
// maxFDsPerMessage file descriptors as ancillary data.
func (c *ipcConn) WriteMessage(payload []byte, fds []int) error {
	if len(fds) > maxFDsPerMessage {
		return fmt.Errorf("ipc: %d fds exceeds per-message limit of %d", len(fds), maxFDsPerMessage)
	}
	var lenPrefix [8]byte
	binary.LittleEndian.PutUint64(lenPrefix[:], uint64(len(payload)))
	framed := append(lenPrefix[:], payload...)

	var oob []byte
	if len(fds) > 0 {
		oob = syscall.UnixRights(fds...)
	}
	_, _, err := c.conn.WriteMsgUnix(framed, oob, nil)
	if err != nil {
		return &sandbox.Error{Kind: sandbox.SandboxIPC, Msg: "write ipc message", Cause: err}
	}
	return nil
}

// ReadMessage blocks for the next frame and returns its payload plus any
// file descriptors that arrived as ancillary data.
func (c *ipcConn) ReadMessage() (payload []byte, fds []int, err error) {
	buf := make([]byte, 64*1024)
	oob := make([]byte, syscall.CmsgSpace(maxFDsPerMessage*4))

	n, oobn, _, _, err := c.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, nil, &sandbox.Error{Kind: sandbox.SandboxIPC, Msg: "read ipc message", Cause: err}
	}
	// On SOCK_SEQPACKET an orderly peer close reads as a zero-length
	// datagram with no ancillary data, which no real frame ever is (the
	// length prefix alone is 8 bytes).
	if n == 0 && oobn == 0 {
		return nil, nil, &sandbox.Error{Kind: sandbox.SandboxMisbehavior, Msg: "unexpected EOF on ipc socket"}
	}
	if n < 8 {
		return nil, nil, &sandbox.Error{Kind: sandbox.SandboxMisbehavior, Msg: "ipc frame shorter than length prefix"}
	}
	frameLen := binary.LittleEndian.Uint64(buf[:8])
	body := buf[8:n]
	if uint64(len(body)) != frameLen {
		return nil, nil, &sandbox.Error{
			Kind: sandbox.SandboxMisbehavior,
			Msg:  fmt.Sprintf("ipc frame length mismatch: header said %d, got %d", frameLen, len(body)),
		}
	}

	if oobn > 0 {
		cmsgs, err := syscall.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return nil, nil, &sandbox.Error{Kind: sandbox.SandboxMisbehavior, Msg: "parse ancillary data", Cause: err}
		}
		for _, cmsg := range cmsgs {
			gotFds, err := syscall.ParseUnixRights(&cmsg)
			if err != nil {
				continue
			}
			fds = append(fds, gotFds...)
		}
	}

	out := make([]byte, len(body))
	copy(out, body)
	return out, fds, nil
}

func (c *ipcConn) Close() error { return c.conn.Close() }
