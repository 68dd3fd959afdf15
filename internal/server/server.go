// ============================================================================
// drt-dist gRPC Server - 入站連線
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Expose drt.Coordinator/Deliver and turn each call into one
//          Dispatch with a ReplyHandle bound to the stream.
//
// RPC 流程:
//   client ──JobMessage──▶ Deliver
//                           ├─ RecvMsg（codec 驗證種類與 payload）
//                           ├─ handler.Dispatch(ctx, msg, handle)
//                           │     handle.Reply(...) 0..n 次
//                           └─ handle.Close() → RPC 結束
//
// 錯誤處理:
//   - 解碼失敗（協定錯誤）只影響這條連線：記錄後回傳 InvalidArgument
//   - handler panic 會被攔截，連線關閉但行程不會死
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	// registers the "drt" content-subtype codec
	_ "github.com/ChuLiYu/drt-dist/internal/codec"
	"github.com/ChuLiYu/drt-dist/internal/metrics"
	"github.com/ChuLiYu/drt-dist/internal/transport"
	"github.com/ChuLiYu/drt-dist/pkg/types"
)

// Handler processes one inbound message. It must not keep the handle after
// returning; the server closes it.
type Handler interface {
	Dispatch(ctx context.Context, msg *types.JobMessage, reply transport.ReplyHandle)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *types.JobMessage, reply transport.ReplyHandle)

// Dispatch implements Handler.
func (f HandlerFunc) Dispatch(ctx context.Context, msg *types.JobMessage, reply transport.ReplyHandle) {
	f(ctx, msg, reply)
}

// coordinatorServer is the HandlerType of the service description.
type coordinatorServer interface {
	deliver(stream grpc.ServerStream) error
}

// ServiceDesc is the hand-written descriptor of drt.Coordinator.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: transport.ServiceName,
	HandlerType: (*coordinatorServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    transport.DeliverStreamDesc.StreamName,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			return srv.(coordinatorServer).deliver(stream)
		},
	}},
	Metadata: "drt/coordinator",
}

// Server implements the Coordinator service.
type Server struct {
	handler   Handler
	collector *metrics.Collector
	logger    *slog.Logger
}

// NewServer creates a server that hands every message to h.
func NewServer(h Handler, collector *metrics.Collector) *Server {
	return &Server{
		handler:   h,
		collector: collector,
		logger:    slog.Default().With("component", "server"),
	}
}

// Register adds the service to a gRPC registrar.
func (s *Server) Register(r grpc.ServiceRegistrar) {
	r.RegisterService(&ServiceDesc, s)
}

// Serve runs a gRPC server on lis until ctx is cancelled, then stops
// gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener, opts ...grpc.ServerOption) error {
	gs := grpc.NewServer(opts...)
	s.Register(gs)

	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()
	s.logger.Info("listening", "addr", lis.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		gs.GracefulStop()
		if err := <-errCh; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	}
}

func (s *Server) deliver(stream grpc.ServerStream) (err error) {
	ctx := stream.Context()
	peerAddr := ""
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		peerAddr = p.Addr.String()
	}

	msg := new(types.JobMessage)
	if err := stream.RecvMsg(msg); err != nil {
		s.collector.RecordProtocolError()
		s.logger.Warn("dropping connection: bad message", "peer", peerAddr, "error", err)
		return status.Errorf(codes.InvalidArgument, "decode message: %v", err)
	}

	h := &streamHandle{stream: stream, peer: peerAddr}
	defer h.Close()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", "jobID", msg.ID, "kind", msg.Kind, "panic", r)
			err = status.Errorf(codes.Internal, "handler panic: %v", r)
		}
	}()

	s.handler.Dispatch(ctx, msg, h)
	return nil
}

// streamHandle binds a ReplyHandle to one server stream.
type streamHandle struct {
	mu     sync.Mutex
	stream grpc.ServerStream
	peer   string
	closed bool
}

func (h *streamHandle) Reply(_ context.Context, msg *types.JobMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return transport.ErrClosed
	}
	if err := h.stream.SendMsg(msg); err != nil {
		return fmt.Errorf("reply %s: %w", msg.Kind, err)
	}
	return nil
}

func (h *streamHandle) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

func (h *streamHandle) Peer() string {
	return h.peer
}
