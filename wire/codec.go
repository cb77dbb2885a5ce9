// Package wire implements the shutter message codecs.
//
// Messages travel as JSON (the device firmware format) or msgpack. Both
// codecs carry the same field names. Everything in this package is pure:
// no I/O and no shared state.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec names.
const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// MaxChunkSize is the largest chunk payload accepted on the wire (8 MiB).
const MaxChunkSize = 8 * 1024 * 1024

// Codec serializes wire messages.
type Codec interface {
	// Name returns the codec name ("json" or "msgpack").
	Name() string
	// Marshal encodes v.
	Marshal(v any) ([]byte, error)
	// Unmarshal decodes data into v.
	Unmarshal(data []byte, v any) error
}

// JSON is the default codec. Numbers decode as json.Number so chunk
// indices keep integer precision.
var JSON Codec = jsonCodec{}

// Msgpack encodes messages with msgpack; chunk payloads travel as bin.
var Msgpack Codec = msgpackCodec{}

// ByName returns the codec with the given name. Empty selects JSON.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", CodecJSON:
		return JSON, nil
	case CodecMsgpack:
		return Msgpack, nil
	default:
		return nil, fmt.Errorf("invalid codec: %q (must be json or msgpack)", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return CodecJSON }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return CodecMsgpack }

func (msgpackCodec) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

func (msgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }
