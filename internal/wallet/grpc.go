package wallet

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"gitlab.ozon.dev/qwestard/chaindelivery/internal/apperr"
)

// LedgerService is the gRPC service name of the ledger gateway. Messages on every
// method are google.protobuf.Struct.
const LedgerService = "chaindelivery.ledger.v1.Ledger"

const (
	MethodConnect       = "Connect"
	MethodRegisterAgent = "RegisterAgent"
	MethodPostOrder     = "PostOrder"
	MethodConfirmOrder  = "ConfirmOrder"
	MethodPayAgent      = "PayAgent"
	MethodBalance       = "Balance"
)

func FullMethod(name string) string { return "/" + LedgerService + "/" + name }

// GRPCClient is a Service backed by a remote ledger gateway.
type GRPCClient struct {
	conn     *grpc.ClientConn
	seed     []byte
	currency string

	mu      sync.RWMutex
	address string
}

// DialLedger connects to a ledger gateway at target.
func DialLedger(target string, seed []byte, opts ...grpc.DialOption) (*GRPCClient, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial ledger: %w", err)
	}
	return NewGRPCClient(conn, seed), nil
}

func NewGRPCClient(conn *grpc.ClientConn, seed []byte) *GRPCClient {
	if seed == nil {
		seed = NewSeed()
	}
	return &GRPCClient{conn: conn, seed: seed, currency: ChainETH.Currency()}
}

func (c *GRPCClient) Close() error { return c.conn.Close() }

func (c *GRPCClient) call(ctx context.Context, op, method string, fields map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, apperr.Service(op, apperr.KindGeneric, err)
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, FullMethod(method), req, resp); err != nil {
		return nil, fromStatus(op, err)
	}
	return resp, nil
}

func (c *GRPCClient) caller() (string, error) {
	addr, ok := c.Address()
	if !ok {
		return "", apperr.Connectivity(ErrNotConnected.Error())
	}
	return addr, nil
}

func (c *GRPCClient) Connect(ctx context.Context) (string, error) {
	resp, err := c.call(ctx, "connect", MethodConnect, map[string]any{
		"seed": base64.StdEncoding.EncodeToString(c.seed),
	})
	if err != nil {
		return "", err
	}
	addr := resp.Fields["address"].GetStringValue()
	c.mu.Lock()
	c.address = addr
	if cur := resp.Fields["currency"].GetStringValue(); cur != "" {
		c.currency = cur
	}
	c.mu.Unlock()
	return addr, nil
}

func (c *GRPCClient) Address() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.address, c.address != ""
}

func (c *GRPCClient) Currency() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currency
}

func (c *GRPCClient) RegisterAgent(ctx context.Context, name string) (string, error) {
	caller, err := c.caller()
	if err != nil {
		return "", err
	}
	resp, err := c.call(ctx, "registerAgent", MethodRegisterAgent, map[string]any{
		"caller": caller, "name": name,
	})
	if err != nil {
		return "", err
	}
	return resp.Fields["txRef"].GetStringValue(), nil
}

func (c *GRPCClient) PostOrder(ctx context.Context, req OrderRequest) (string, error) {
	caller, err := c.caller()
	if err != nil {
		return "", err
	}
	resp, err := c.call(ctx, "postOrder", MethodPostOrder, map[string]any{
		"caller":         caller,
		"restaurant":     req.Restaurant,
		"dish":           req.Dish,
		"quantity":       req.Quantity,
		"pickupLocation": req.PickupLocation,
		"dropLocation":   req.DropLocation,
		"amount":         req.Amount,
	})
	if err != nil {
		return "", err
	}
	return resp.Fields["orderId"].GetStringValue(), nil
}

func (c *GRPCClient) ConfirmOrder(ctx context.Context, orderID string) (string, error) {
	caller, err := c.caller()
	if err != nil {
		return "", err
	}
	resp, err := c.call(ctx, "confirmOrder", MethodConfirmOrder, map[string]any{
		"caller": caller, "orderId": orderID,
	})
	if err != nil {
		return "", err
	}
	return resp.Fields["txRef"].GetStringValue(), nil
}

func (c *GRPCClient) PayAgent(ctx context.Context, req PaymentRequest) (Receipt, error) {
	caller, err := c.caller()
	if err != nil {
		return Receipt{}, err
	}
	resp, err := c.call(ctx, "payAgent", MethodPayAgent, map[string]any{
		"caller":       caller,
		"orderId":      req.OrderID,
		"amount":       req.Amount,
		"payeeAddress": req.PayeeAddress,
	})
	if err != nil {
		return Receipt{}, err
	}
	f := resp.Fields
	return Receipt{
		TxRef:         f["txRef"].GetStringValue(),
		BlockHeight:   int64(f["blockHeight"].GetNumberValue()),
		Fee:           f["fee"].GetStringValue(),
		Confirmations: int(f["confirmations"].GetNumberValue()),
		Currency:      f["currency"].GetStringValue(),
	}, nil
}

func (c *GRPCClient) Balance(ctx context.Context) (float64, error) {
	caller, err := c.caller()
	if err != nil {
		return 0, err
	}
	resp, err := c.call(ctx, "balance", MethodBalance, map[string]any{"caller": caller})
	if err != nil {
		return 0, err
	}
	return resp.Fields["balance"].GetNumberValue(), nil
}

// ToStatus maps a ledger error onto a gRPC status for the gateway.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case apperr.IsConnectivity(err):
		return status.Error(codes.Unauthenticated, err.Error())
	case apperr.KindOf(err) == apperr.KindInsufficientFunds:
		return status.Error(codes.FailedPrecondition, err.Error())
	case apperr.KindOf(err) == apperr.KindCancelled:
		return status.Error(codes.Canceled, err.Error())
	case apperr.IsValidation(err):
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if st, ok := status.FromError(err); ok {
		return st.Err()
	}
	return status.Error(codes.Internal, err.Error())
}

func fromStatus(op string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return apperr.Service(op, apperr.KindGeneric, err)
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.Unavailable:
		return apperr.Connectivity(st.Message())
	case codes.InvalidArgument:
		return apperr.Validation(op, st.Message())
	case codes.FailedPrecondition:
		return apperr.Service(op, apperr.KindInsufficientFunds, fmt.Errorf("%s", st.Message()))
	case codes.Canceled:
		return apperr.Service(op, apperr.KindCancelled, fmt.Errorf("%s", st.Message()))
	}
	return apperr.Service(op, apperr.KindGeneric, fmt.Errorf("%s", st.Message()))
}
