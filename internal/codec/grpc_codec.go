package codec

import (
	"fmt"

	"google.golang.org/grpc/encoding"

	"github.com/ChuLiYu/drt-dist/pkg/types"
)

// Name is the gRPC content-subtype under which GRPCCodec is registered.
// Clients select it with grpc.CallContentSubtype(codec.Name).
const Name = "drt"

func init() {
	encoding.RegisterCodec(GRPCCodec{})
}

// GRPCCodec lets gRPC carry *types.JobMessage without generated stubs.
type GRPCCodec struct{}

// Marshal implements encoding.Codec.
func (GRPCCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(*types.JobMessage)
	if !ok {
		return nil, fmt.Errorf("%w: cannot marshal %T", ErrProtocol, v)
	}
	return Marshal(msg)
}

// Unmarshal implements encoding.Codec.
func (GRPCCodec) Unmarshal(data []byte, v any) error {
	dst, ok := v.(*types.JobMessage)
	if !ok {
		return fmt.Errorf("%w: cannot unmarshal into %T", ErrProtocol, v)
	}
	msg, err := Unmarshal(data)
	if err != nil {
		return err
	}
	*dst = *msg
	return nil
}

// Name implements encoding.Codec.
func (GRPCCodec) Name() string {
	return Name
}
