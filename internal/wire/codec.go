package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

var ErrUnknownCodec = errors.New("unknown codec")

const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// Codec turns frames into websocket payloads. Both sides of a connection
// agree on the codec through the "codec" query parameter.
type Codec interface {
	Name() string
	MessageType() int
	Marshal(f Frame) ([]byte, error)
	Unmarshal(data []byte, f *Frame) error
}

func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

type JSONCodec struct{}

func (JSONCodec) Name() string     { return CodecJSON }
func (JSONCodec) MessageType() int { return websocket.TextMessage }

func (JSONCodec) Marshal(f Frame) ([]byte, error) { return json.Marshal(f) }

func (JSONCodec) Unmarshal(data []byte, f *Frame) error { return json.Unmarshal(data, f) }

// MsgpackCodec reuses the json struct tags so domain types carry one set of names.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string     { return CodecMsgpack }
func (MsgpackCodec) MessageType() int { return websocket.BinaryMessage }

func (MsgpackCodec) Marshal(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Unmarshal(data []byte, f *Frame) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(f)
}
