package store

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/dkeye/moodcall/internal/core"
	"github.com/vmihailenco/msgpack/v5"
)

// Frame ops. Requests carry an ID and are answered by OpOK or OpError with
// the same ID; OpDocEvent and OpEntryEvent carry the client chosen Sub.
const (
	OpCreate     = "create"
	OpGet        = "get"
	OpUpdate     = "update"
	OpDelete     = "delete"
	OpAppend     = "append"
	OpWatchDoc   = "watch_doc"
	OpWatchColl  = "watch_coll"
	OpUnwatch    = "unwatch"
	OpOK         = "ok"
	OpError      = "error"
	OpDocEvent   = "doc"
	OpEntryEvent = "entry"
)

// Error codes on the wire.
const (
	CodeNotFound      = "not_found"
	CodeAlreadyExists = "already_exists"
	CodeForbidden     = "forbidden"
	CodeRateLimited   = "rate_limited"
	CodeBadRequest    = "bad_request"
	CodeInternal      = "internal"
)

// Frame is the msgpack envelope exchanged over the relay websocket.
type Frame struct {
	ID      uint64         `msgpack:"id,omitempty"`
	Op      string         `msgpack:"op"`
	Path    string         `msgpack:"path,omitempty"`
	Fields  core.Fields    `msgpack:"fields,omitempty"`
	EntryID string         `msgpack:"entryId,omitempty"`
	Sub     uint64         `msgpack:"sub,omitempty"`
	Code    string         `msgpack:"code,omitempty"`
	Error   string         `msgpack:"error,omitempty"`
	Doc     *core.DocEvent `msgpack:"doc,omitempty"`
	Entry   *core.Entry    `msgpack:"entry,omitempty"`
}

func EncodeFrame(f *Frame) ([]byte, error) {
	return msgpack.Marshal(f)
}

func DecodeFrame(b []byte) (*Frame, error) {
	var f Frame
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &f, nil
}

// ErrorCode maps a store error onto its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, core.ErrAlreadyExists):
		return CodeAlreadyExists
	case errors.Is(err, core.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, core.ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	default:
		return CodeInternal
	}
}

// CodeError is the inverse of ErrorCode.
func CodeError(code, msg string) error {
	var base error
	switch code {
	case CodeNotFound:
		base = core.ErrNotFound
	case CodeAlreadyExists:
		base = core.ErrAlreadyExists
	case CodeForbidden:
		base = core.ErrForbidden
	case CodeRateLimited:
		base = core.ErrRateLimited
	case CodeBadRequest:
		base = ErrBadRequest
	default:
		base = core.ErrSignalingUnavailable
	}
	if msg == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, msg)
}
