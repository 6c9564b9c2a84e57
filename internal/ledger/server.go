// Package ledger serves a wallet.Ledger over gRPC so that sessions running in
// different processes settle against the same demo chain.
package ledger

import (
	"context"
	"encoding/base64"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"gitlab.ozon.dev/qwestard/chaindelivery/internal/wallet"
)

type handlerFunc func(ctx context.Context, req *structpb.Struct) (map[string]any, error)

// ledgerServer is the HandlerType of the hand-written service descriptor.
type ledgerServer interface {
	handle(method string) handlerFunc
}

type Server struct {
	ledger *wallet.Ledger
	logger *zap.Logger
	routes map[string]handlerFunc
}

func NewServer(l *wallet.Ledger, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{ledger: l, logger: logger}
	s.routes = map[string]handlerFunc{
		wallet.MethodConnect:       s.connect,
		wallet.MethodRegisterAgent: s.registerAgent,
		wallet.MethodPostOrder:     s.postOrder,
		wallet.MethodConfirmOrder:  s.confirmOrder,
		wallet.MethodPayAgent:      s.payAgent,
		wallet.MethodBalance:       s.balance,
	}
	return s
}

func (s *Server) handle(method string) handlerFunc { return s.routes[method] }

func unary(method string) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := &structpb.Struct{}
			if err := dec(req); err != nil {
				return nil, err
			}
			h := srv.(ledgerServer).handle(method)
			run := func(ctx context.Context, r any) (any, error) {
				out, err := h(ctx, r.(*structpb.Struct))
				if err != nil {
					return nil, wallet.ToStatus(err)
				}
				return structpb.NewStruct(out)
			}
			if interceptor == nil {
				return run(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: wallet.FullMethod(method)}
			return interceptor(ctx, req, info, run)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: wallet.LedgerService,
	HandlerType: (*ledgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(wallet.MethodConnect),
		unary(wallet.MethodRegisterAgent),
		unary(wallet.MethodPostOrder),
		unary(wallet.MethodConfirmOrder),
		unary(wallet.MethodPayAgent),
		unary(wallet.MethodBalance),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ledger.proto",
}

// Register adds the ledger service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// Serve blocks serving on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer(grpc.UnaryInterceptor(s.logCalls))
	s.Register(gs)
	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()
	s.logger.Info("ledger gateway listening", zap.String("addr", lis.Addr().String()))
	return gs.Serve(lis)
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
	resp, err := next(ctx, req)
	if err != nil {
		s.logger.Warn("ledger call failed", zap.String("method", info.FullMethod), zap.Error(err))
	} else {
		s.logger.Debug("ledger call", zap.String("method", info.FullMethod))
	}
	return resp, err
}

func str(req *structpb.Struct, key string) string {
	return req.Fields[key].GetStringValue()
}

func num(req *structpb.Struct, key string) float64 {
	return req.Fields[key].GetNumberValue()
}

func (s *Server) connect(_ context.Context, req *structpb.Struct) (map[string]any, error) {
	seed, err := base64.StdEncoding.DecodeString(str(req, "seed"))
	if err != nil || len(seed) == 0 {
		return nil, status.Error(codes.InvalidArgument, "seed is required")
	}
	return map[string]any{
		"address":  s.ledger.Open(seed),
		"currency": s.ledger.Chain().Currency(),
	}, nil
}

func (s *Server) registerAgent(ctx context.Context, req *structpb.Struct) (map[string]any, error) {
	ref, err := s.ledger.RegisterAgent(ctx, str(req, "caller"), str(req, "name"))
	if err != nil {
		return nil, wallet.Classify(method(ctx), err)
	}
	return map[string]any{"txRef": ref}, nil
}

func (s *Server) postOrder(ctx context.Context, req *structpb.Struct) (map[string]any, error) {
	id, err := s.ledger.PostOrder(ctx, str(req, "caller"), wallet.OrderRequest{
		Restaurant:     str(req, "restaurant"),
		Dish:           str(req, "dish"),
		Quantity:       int(num(req, "quantity")),
		PickupLocation: str(req, "pickupLocation"),
		DropLocation:   str(req, "dropLocation"),
		Amount:         num(req, "amount"),
	})
	if err != nil {
		return nil, wallet.Classify(method(ctx), err)
	}
	return map[string]any{"orderId": id}, nil
}

func (s *Server) confirmOrder(ctx context.Context, req *structpb.Struct) (map[string]any, error) {
	ref, err := s.ledger.ConfirmOrder(ctx, str(req, "caller"), str(req, "orderId"))
	if err != nil {
		return nil, wallet.Classify(method(ctx), err)
	}
	return map[string]any{"txRef": ref}, nil
}

func (s *Server) payAgent(ctx context.Context, req *structpb.Struct) (map[string]any, error) {
	r, err := s.ledger.PayAgent(ctx, str(req, "caller"), wallet.PaymentRequest{
		OrderID:      str(req, "orderId"),
		Amount:       num(req, "amount"),
		PayeeAddress: str(req, "payeeAddress"),
	})
	if err != nil {
		return nil, wallet.Classify(method(ctx), err)
	}
	return map[string]any{
		"txRef":         r.TxRef,
		"blockHeight":   r.BlockHeight,
		"fee":           r.Fee,
		"confirmations": r.Confirmations,
		"currency":      r.Currency,
	}, nil
}

func (s *Server) balance(ctx context.Context, req *structpb.Struct) (map[string]any, error) {
	b, err := s.ledger.Balance(ctx, str(req, "caller"))
	if err != nil {
		return nil, wallet.Classify(method(ctx), err)
	}
	return map[string]any{"balance": b}, nil
}

// method names the RPC being served for error wrapping.
func method(ctx context.Context) string {
	if m, ok := grpc.Method(ctx); ok {
		return m
	}
	return "ledger"
}
