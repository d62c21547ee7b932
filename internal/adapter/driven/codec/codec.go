// Package codec encodes signaling events for the websocket transport.
//
// JSON travels in text frames, msgpack in binary frames. Both decoders run
// the domain schema validation before returning.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/Wyydra/meshroom/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	NameJSON    = "json"
	NameMsgpack = "msgpack"
)

var ErrUnknownCodec = errors.New("unknown codec")

type Codec interface {
	Name() string
	// FrameType is the websocket message type used for this codec.
	FrameType() int
	Encode(ev domain.Event) ([]byte, error)
	Decode(data []byte) (domain.Event, error)
}

// ByName returns the codec for a ?codec= query value. Empty selects JSON.
func ByName(name string) (Codec, error) {
	switch name {
	case "", NameJSON:
		return JSON{}, nil
	case NameMsgpack:
		return Msgpack{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

type JSON struct{}

func (JSON) Name() string   { return NameJSON }
func (JSON) FrameType() int { return websocket.TextMessage }

func (JSON) Encode(ev domain.Event) ([]byte, error) {
	return json.Marshal(ev)
}

func (JSON) Decode(data []byte) (domain.Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var ev domain.Event
	if err := dec.Decode(&ev); err != nil {
		return domain.Event{}, fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return domain.Event{}, fmt.Errorf("%w: unexpected trailing data", domain.ErrInvalidEvent)
	}
	if err := ev.Validate(); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

type Msgpack struct{}

func (Msgpack) Name() string   { return NameMsgpack }
func (Msgpack) FrameType() int { return websocket.BinaryMessage }

func (Msgpack) Encode(ev domain.Event) ([]byte, error) {
	return msgpack.Marshal(&ev)
}

func (Msgpack) Decode(data []byte) (domain.Event, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields(true)

	var ev domain.Event
	if err := dec.Decode(&ev); err != nil {
		return domain.Event{}, fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
	}
	if err := ev.Validate(); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}
