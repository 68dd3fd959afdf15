// ============================================================================
// drt-dist gRPC Sender - 出站連線
// ============================================================================
//
// Package: internal/transport
// File: grpc_sender.go
// Purpose: Open Deliver streams toward other nodes, one cached ClientConn
//          per address.
//
// 設計:
//   - 連線快取：同一個 controller 會收到大量 StubbornResult，重用連線
//   - content-subtype "drt"：由 internal/codec 註冊的 encoding.Codec
//   - rate.Limiter：限制送往所有位址的總速率，避免探索結果一次湧入
//   - 每次送出都有 timeout（Config.SendTimeout）
//
// ============================================================================

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/drt-dist/internal/codec"
	"github.com/ChuLiYu/drt-dist/pkg/types"
)

// SenderConfig configures a GrpcSender.
type SenderConfig struct {
	SendTimeout time.Duration // per request; 0 means no timeout
	Rate        float64       // requests per second; 0 means unlimited
	Burst       int
	DialOptions []grpc.DialOption
}

// GrpcSender implements Sender over gRPC.
type GrpcSender struct {
	mu      sync.Mutex
	conns   map[string]*grpc.ClientConn
	cfg     SenderConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewGrpcSender creates a sender. Connections are opened lazily.
func NewGrpcSender(cfg SenderConfig) *GrpcSender {
	s := &GrpcSender{
		conns:  make(map[string]*grpc.ClientConn),
		cfg:    cfg,
		logger: slog.Default().With("component", "sender"),
	}
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	return s
}

func (s *GrpcSender) conn(addr string) (*grpc.ClientConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cc, ok := s.conns[addr]; ok {
		return cc, nil
	}

	target := addr
	if !strings.Contains(target, "://") {
		target = "passthrough:///" + addr
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codec.Name)),
	}, s.cfg.DialOptions...)

	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	s.conns[addr] = cc
	return cc, nil
}

// Call implements Sender.
func (s *GrpcSender) Call(ctx context.Context, msg *types.JobMessage, addr string, fn func(*types.JobMessage) error) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("send to %s: %w", addr, err)
		}
	}

	cc, err := s.conn(addr)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.cfg.SendTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SendTimeout)
		defer cancel()
	}

	stream, err := cc.NewStream(ctx, &DeliverStreamDesc, DeliverMethod)
	if err != nil {
		return fmt.Errorf("open stream to %s: %w", addr, err)
	}
	if err := stream.SendMsg(msg); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Kind, addr, err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("close send to %s: %w", addr, err)
	}

	for {
		reply := new(types.JobMessage)
		err := stream.RecvMsg(reply)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("receive from %s: %w", addr, err)
		}
		if err := fn(reply); err != nil {
			return err
		}
	}
}

// errStop ends Call after the first reply.
var errStop = errors.New("stop")

// Send implements Sender. An Error reply is returned together with an error
// wrapping ErrRemote.
func (s *GrpcSender) Send(ctx context.Context, msg *types.JobMessage, addr string) (*types.JobMessage, error) {
	var first *types.JobMessage
	err := s.Call(ctx, msg, addr, func(reply *types.JobMessage) error {
		first = reply
		return errStop
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}
	if first == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoReply, addr)
	}
	if rerr := first.AckError(); rerr != nil {
		return first, fmt.Errorf("%w: %v", ErrRemote, rerr)
	}
	s.logger.Debug("sent", "kind", msg.Kind, "addr", addr, "reply", first.Kind)
	return first, nil
}

// Close drops every cached connection.
func (s *GrpcSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for addr, cc := range s.conns {
		if err := cc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
		delete(s.conns, addr)
	}
	return errors.Join(errs...)
}
