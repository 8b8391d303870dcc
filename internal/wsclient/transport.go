package wsclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Close codes seen by the manager. Only CloseNormal and CloseGoingAway
// suppress a reconnect.
const (
	CloseNormal           = int(ws.StatusNormalClosure) // 1000
	CloseGoingAway        = int(ws.StatusGoingAway)     // 1001
	CloseAbnormal         = int(ws.StatusAbnormalClosure)
	CloseHeartbeatTimeout = 4000
)

// CloseError reports a closed connection with its close code.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("wsclient: connection closed: %d %s", e.Code, e.Reason)
}

// Transport is one open connection.
type Transport interface {
	// Read blocks until the next data frame. A close frame or I/O failure is
	// returned as an error, a close frame as *CloseError.
	Read() ([]byte, error)
	// Write sends one text frame. It is safe for concurrent use.
	Write(data []byte) error
	// Close sends a close frame with code and closes the connection.
	Close(code int, reason string) error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// GobwasDialer dials with gobwas/ws.
type GobwasDialer struct {
	Dialer ws.Dialer
}

// Dial opens a WebSocket connection to url.
func (d GobwasDialer) Dial(ctx context.Context, url string) (Transport, error) {
	conn, br, _, err := d.Dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial: %w", err)
	}
	// br holds bytes the server sent right after the handshake.
	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return newGobwasTransport(conn, r), nil
}

type gobwasTransport struct {
	conn   net.Conn
	reader *wsutil.Reader
	mu     sync.Mutex // serializes frame writes
	closed bool
}

func newGobwasTransport(conn net.Conn, r io.Reader) *gobwasTransport {
	t := &gobwasTransport{conn: conn}
	t.reader = &wsutil.Reader{
		Source:    r,
		State:     ws.StateClientSide,
		CheckUTF8: true,
		// Control frames interleaved with a fragmented message.
		OnIntermediate: func(hdr ws.Header, payload io.Reader) error {
			return t.control(hdr, payload)
		},
	}
	return t
}

func (t *gobwasTransport) Read() ([]byte, error) {
	for {
		hdr, err := t.reader.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := t.control(hdr, t.reader); err != nil {
				return nil, err
			}
			continue
		}
		data, err := io.ReadAll(t.reader)
		if err != nil {
			return nil, err
		}
		if hdr.OpCode == ws.OpText || hdr.OpCode == ws.OpBinary {
			return data, nil
		}
	}
}

func (t *gobwasTransport) control(hdr ws.Header, r io.Reader) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	switch hdr.OpCode {
	case ws.OpPing:
		return t.writeFrame(ws.OpPong, payload)
	case ws.OpClose:
		code, reason := ws.ParseCloseFrameData(payload)
		if code == 0 {
			code = ws.StatusNoStatusRcvd
		}
		_ = t.writeFrame(ws.OpClose, ws.NewCloseFrameBody(code, ""))
		_ = t.conn.Close()
		return &CloseError{Code: int(code), Reason: reason}
	}
	return nil
}

func (t *gobwasTransport) writeFrame(op ws.OpCode, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return net.ErrClosed
	}
	return wsutil.WriteClientMessage(t.conn, op, payload)
}

func (t *gobwasTransport) Write(data []byte) error {
	return t.writeFrame(ws.OpText, data)
}

func (t *gobwasTransport) Close(code int, reason string) error {
	err := t.writeFrame(ws.OpClose, ws.NewCloseFrameBody(ws.StatusCode(code), reason))
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	if cerr := t.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		return cerr
	}
	return err
}
