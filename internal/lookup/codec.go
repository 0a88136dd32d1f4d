package lookup

import (
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/encoding"
)

// msgpackCodecName is registered as a grpc wire codec so the inter-broker
// load-report/leader surface can exchange plain Go structs over a real
// grpc.ClientConn/grpc.Server without requiring protoc-generated
// messages — grpc's encoding.Codec interface is a first-class extension
// point for exactly this, used here instead of hand-authoring .pb.go
// files that no tool in this environment can regenerate.
const msgpackCodecName = "msgpack"

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}

type msgpackCodec struct{}

func (msgpackCodec) Marshal(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (msgpackCodec) Unmarshal(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

func (msgpackCodec) Name() string { return msgpackCodecName }
