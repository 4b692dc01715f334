package server

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype of the JSON codec. Clients select it
// with grpc.CallContentSubtype(codecName).
const codecName = "json"

// jsonCodec marshals gRPC messages as JSON. BatteryService messages are plain
// Go structs, so the proto codec cannot carry them.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
