package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/shardquery/shardquery/pkg/types"
)

func TestFileTagRoundTrip(t *testing.T) {
	cases := []types.FileTag{
		{File: "F", Tag: "BASE"},
		{File: "F", Tag: "DEV"},
		{File: "nested:weird", Tag: "T1"},
	}
	for _, ft := range cases {
		var buf bytes.Buffer
		enc := NewEncoder(&buf)
		if err := EncodeFileTag(enc, ft); err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := enc.Flush(); err != nil {
			t.Fatalf("flush: %v", err)
		}
		dec := NewDecoder(&buf)
		got, err := DecodeFileTag(dec)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got != ft {
			t.Fatalf("got %+v, want %+v", got, ft)
		}
	}
}

func TestSubmitQueryRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	msg := SubmitQuery{ScriptPath: "/scripts/a.txt", Priority: 3}
	if err := msg.Encode(enc); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	dec := NewDecoder(&buf)
	got, err := DecodeSubmitQuery(dec)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != msg {
		t.Fatalf("got %+v, want %+v", got, msg)
	}
}

func TestWriteReqRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	msg := WriteReq{
		FileTag: types.FileTag{File: "F", Tag: "BASE"},
		Offset:  128,
		Content: []byte("hello world"),
	}
	if err := msg.Encode(enc); err != nil {
		t.Fatalf("encode: %v", err)
	}
	enc.Flush()
	dec := NewDecoder(&buf)
	got, err := DecodeWriteReq(dec)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.FileTag != msg.FileTag || got.Offset != msg.Offset || !bytes.Equal(got.Content, msg.Content) {
		t.Fatalf("got %+v, want %+v", got, msg)
	}
}

func TestDispatchExecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	msg := DispatchExecMsg{QueryID: 7, PC: 0, ScriptPath: "/scripts/b.txt"}
	if err := msg.Encode(enc); err != nil {
		t.Fatalf("encode: %v", err)
	}
	enc.Flush()
	dec := NewDecoder(&buf)
	op, err := dec.Opcode()
	if err != nil || op != DispatchExec {
		t.Fatalf("opcode = %v, err %v", op, err)
	}
	got, err := DecodeDispatchExecBody(dec)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != msg {
		t.Fatalf("got %+v, want %+v", got, msg)
	}
}

func TestShortReadProducesErrShortRead(t *testing.T) {
	buf := bytes.NewReader([]byte{0, 0})
	dec := NewDecoder(buf)
	if _, err := dec.Uint32(); !errors.Is(err, ErrShortRead) {
		t.Fatalf("expected ErrShortRead on short read, got %v", err)
	}
}

func TestPayloadTooLargeRejected(t *testing.T) {
	var raw bytes.Buffer
	enc := NewEncoder(&raw)
	enc.Uint32(MaxPayload + 1)
	enc.Flush()
	dec := NewDecoder(&raw)
	if _, err := dec.Bytes(); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}
