package hintd

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/peterje/perfhint/internal/session"
	"golang.org/x/sys/unix"
)

// Frame types for the binary protocol.
const (
	frameControl byte = 0x01 // JSON request or response
	frameEvent   byte = 0x02 // JSON notification from hintd, no request ID
)

const maxFrameSize = 10 * 1024 * 1024

// Command types for control requests.
const (
	cmdHello        = "hello"
	cmdCreate       = "create"
	cmdUpdateTarget = "update_target"
	cmdReportActual = "report_actual"
	cmdHint         = "hint"
	cmdClose        = "close"
	cmdList         = "list"
	cmdPing         = "ping"
)

// Event types sent from hintd to clients.
const (
	evtOK      = "ok"
	evtError   = "error"
	evtHello   = "hello"
	evtCreated = "created"
	evtList    = "list"
	evtPong    = "pong"
	evtClosed  = "closed" // session closed by hintd, not by its owner
)

// Status codes carried in responses. They match the errno values callers see.
const (
	codeOK       = 0
	codeInvalid  = int(unix.EINVAL)
	codeNotFound = int(unix.ENOENT)
	codeInternal = int(unix.EIO)
)

// Request is a control message from client to hintd.
type Request struct {
	ID      string `json:"id"`
	Command string `json:"command"`

	// Hello fields
	PID int `json:"pid,omitempty"`

	SessionID     string  `json:"session_id,omitempty"`
	ThreadIDs     []int32 `json:"thread_ids,omitempty"`
	DurationNanos int64   `json:"duration_ns,omitempty"`
	Hint          *int32  `json:"hint,omitempty"`
}

// Response is a control message from hintd to client.
type Response struct {
	ID    string `json:"id,omitempty"`
	Event string `json:"event"`

	Code  int    `json:"code,omitempty"`
	Error string `json:"error,omitempty"`

	// Hello response
	APILevel           int   `json:"api_level,omitempty"`
	PreferredRateNanos int64 `json:"preferred_rate_ns,omitempty"`

	SessionID string         `json:"session_id,omitempty"`
	Sessions  []session.Info `json:"sessions,omitempty"`
}

// Wire format:
//   [4 bytes big-endian length][1 byte frame type][JSON payload]

func writeFrame(w io.Writer, frameType byte, payload []byte) error {
	buf := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(payload)))
	buf[4] = frameType
	copy(buf[5:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func writeMessage(w io.Writer, frameType byte, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return writeFrame(w, frameType, data)
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return 0, nil, err
	}
	if length == 0 {
		return 0, nil, fmt.Errorf("empty frame")
	}
	if length > maxFrameSize {
		return 0, nil, fmt.Errorf("frame too large: %d", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}
	return buf[0], buf[1:], nil
}

// errorResponse maps a registry error to a response.
func errorResponse(id string, err error) Response {
	code := codeInternal
	switch {
	case errors.Is(err, session.ErrInvalidArgument):
		code = codeInvalid
	case errors.Is(err, session.ErrNotFound):
		code = codeNotFound
	}
	return Response{ID: id, Event: evtError, Code: code, Error: err.Error()}
}

// responseError maps an error response back to the registry sentinels.
func responseError(resp Response) error {
	if resp.Event != evtError {
		return nil
	}
	switch resp.Code {
	case codeInvalid:
		return fmt.Errorf("%w (hintd: %s)", session.ErrInvalidArgument, resp.Error)
	case codeNotFound:
		return fmt.Errorf("%w (hintd: %s)", session.ErrNotFound, resp.Error)
	}
	return fmt.Errorf("hintd: %s", resp.Error)
}
