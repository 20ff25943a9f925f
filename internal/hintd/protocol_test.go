package hintd

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/peterje/perfhint/internal/session"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	hint := int32(session.HintLoadUp)
	req := Request{ID: "r1", Command: cmdHint, SessionID: "s", Hint: &hint}
	if err := writeMessage(&buf, frameControl, req); err != nil {
		t.Fatalf("writeMessage() error = %v", err)
	}

	frameType, payload, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame() error = %v", err)
	}
	if frameType != frameControl {
		t.Errorf("frame type = %#x, want %#x", frameType, frameControl)
	}
	// hint 0 must survive omitempty
	if !bytes.Contains(payload, []byte(`"hint":0`)) {
		t.Errorf("payload %s missing zero hint", payload)
	}
}

func TestReadFrameLimits(t *testing.T) {
	var empty bytes.Buffer
	binary.Write(&empty, binary.BigEndian, uint32(0))
	if _, _, err := readFrame(&empty); err == nil {
		t.Error("empty frame should fail")
	}

	var huge bytes.Buffer
	binary.Write(&huge, binary.BigEndian, uint32(maxFrameSize+1))
	if _, _, err := readFrame(&huge); err == nil {
		t.Error("oversized frame should fail")
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
		want error
	}{
		{session.ErrInvalidArgument, codeInvalid, session.ErrInvalidArgument},
		{session.ErrUnknownHint, codeInvalid, session.ErrInvalidArgument},
		{session.ErrNotFound, codeNotFound, session.ErrNotFound},
	}
	for _, tt := range tests {
		resp := errorResponse("r1", tt.err)
		if resp.Code != tt.code {
			t.Errorf("errorResponse(%v).Code = %d, want %d", tt.err, resp.Code, tt.code)
		}
		if got := responseError(resp); !errors.Is(got, tt.want) {
			t.Errorf("responseError() = %v, want %v", got, tt.want)
		}
	}

	if err := responseError(errorResponse("r1", errors.New("disk on fire"))); err == nil {
		t.Error("internal error should map to a non-nil error")
	}
	if err := responseError(Response{Event: evtOK}); err != nil {
		t.Errorf("responseError(ok) = %v", err)
	}
}
