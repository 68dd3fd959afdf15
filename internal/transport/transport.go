// Package transport carries JobMessages between nodes. A request opens a
// server-streaming RPC: the requester sends one message and reads replies
// until the remote side closes the stream.
package transport

import (
	"context"
	"errors"

	"google.golang.org/grpc"

	"github.com/ChuLiYu/drt-dist/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrClosed 回覆通道已關閉
	ErrClosed = errors.New("reply handle closed")
	// ErrNoReply 遠端在送出任何回覆前就結束了串流
	ErrNoReply = errors.New("remote closed without reply")
	// ErrRemote 遠端回覆 Error 種類的確認
	ErrRemote = errors.New("remote error")
)

// Service and method names of the coordinator RPC.
const (
	ServiceName   = "drt.Coordinator"
	DeliverMethod = "/" + ServiceName + "/Deliver"
)

// DeliverStreamDesc describes the Deliver RPC for clients.
var DeliverStreamDesc = grpc.StreamDesc{
	StreamName:    "Deliver",
	ServerStreams: true,
}

// ReplyHandle is the inbound side of one request. Replies go back on the
// same connection until Close releases it.
type ReplyHandle interface {
	Reply(ctx context.Context, msg *types.JobMessage) error
	Close()
	// Peer is the remote address, host:port, or "" when unknown.
	Peer() string
}

// Sender opens outbound requests.
type Sender interface {
	// Send delivers msg to addr and returns the first reply, usually an ack.
	Send(ctx context.Context, msg *types.JobMessage, addr string) (*types.JobMessage, error)
	// Call delivers msg and hands every reply to fn until the remote side
	// closes the stream or fn returns an error.
	Call(ctx context.Context, msg *types.JobMessage, addr string, fn func(*types.JobMessage) error) error
}
