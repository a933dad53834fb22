package handler

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/core/service"
)

const grpcServiceName = "stock.v1.CheckoutService"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec lets clients call the service with content-subtype "json"
// without generated protobuf stubs.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

type ReserveRequest struct {
	CartID string     `json:"cart_id"`
	Items  []LineItem `json:"items"`
}

type ReserveResponse struct {
	Reservations []ReservationView `json:"reservations"`
}

type ReleaseRequest struct {
	CartID string     `json:"cart_id"`
	Items  []LineItem `json:"items,omitempty"`
}

type ReleaseResponse struct {
	Released int `json:"released"`
}

type CheckoutRequest struct {
	CartID string     `json:"cart_id"`
	Items  []LineItem `json:"items,omitempty"`
}

type ConfirmRequest struct {
	Token string `json:"token"`
}

type CheckoutServer interface {
	ReserveItems(ctx context.Context, req *ReserveRequest) (*ReserveResponse, error)
	ReleaseItems(ctx context.Context, req *ReleaseRequest) (*ReleaseResponse, error)
	CheckoutCart(ctx context.Context, req *CheckoutRequest) (*CheckoutResponse, error)
	ConfirmOrder(ctx context.Context, req *ConfirmRequest) (*ConfirmResponse, error)
}

type GRPCHandler struct {
	reservations *service.ReservationService
	checkout     *service.CheckoutService
}

func NewGRPCHandler(reservations *service.ReservationService, checkout *service.CheckoutService) *GRPCHandler {
	return &GRPCHandler{reservations: reservations, checkout: checkout}
}

// Register attaches the handler to s under stock.v1.CheckoutService.
func (h *GRPCHandler) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&checkoutServiceDesc, h)
}

func toLines(items []LineItem) []domain.ItemLine {
	lines := make([]domain.ItemLine, 0, len(items))
	for _, l := range items {
		lines = append(lines, domain.ItemLine{ItemID: l.ItemID, Quantity: l.Quantity})
	}
	return lines
}

func (h *GRPCHandler) ReserveItems(ctx context.Context, req *ReserveRequest) (*ReserveResponse, error) {
	taken, err := h.reservations.ReserveCart(ctx, req.CartID, toLines(req.Items))
	if err != nil {
		return nil, grpcError(err)
	}
	resp := &ReserveResponse{Reservations: make([]ReservationView, 0, len(taken))}
	for _, r := range taken {
		resp.Reservations = append(resp.Reservations, toReservationView(r))
	}
	return resp, nil
}

func (h *GRPCHandler) ReleaseItems(ctx context.Context, req *ReleaseRequest) (*ReleaseResponse, error) {
	units, err := h.reservations.ReleaseItems(ctx, req.CartID, toLines(req.Items))
	if err != nil {
		return nil, grpcError(err)
	}
	return &ReleaseResponse{Released: units}, nil
}

func (h *GRPCHandler) CheckoutCart(ctx context.Context, req *CheckoutRequest) (*CheckoutResponse, error) {
	res, err := h.checkout.CheckoutCart(ctx, req.CartID, toLines(req.Items))
	if err != nil {
		return nil, grpcError(err)
	}
	return &CheckoutResponse{
		BuyOrder:    res.BuyOrder,
		Token:       res.Token,
		RedirectURL: res.RedirectURL,
		Amount:      res.Amount,
		Items:       toOrderLineViews(res.Items),
	}, nil
}

func (h *GRPCHandler) ConfirmOrder(ctx context.Context, req *ConfirmRequest) (*ConfirmResponse, error) {
	c, err := h.checkout.ConfirmOrder(ctx, req.Token)
	if err != nil {
		return nil, grpcError(err)
	}
	st := string(c.Status)
	if c.Abandoned {
		st = "ABORTED"
	}
	return &ConfirmResponse{
		BuyOrder:      c.BuyOrder,
		Status:        st,
		GatewayStatus: c.GatewayStatus,
		Applied:       c.Applied,
		Unfulfilled:   c.Unfulfilled,
	}, nil
}

func grpcError(err error) error {
	var validation *domain.ValidationError
	switch {
	case errors.As(err, &validation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrItemNotFound),
		errors.Is(err, domain.ErrReservationNotFound),
		errors.Is(err, domain.ErrOrderNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInsufficientStock):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, domain.ErrEmptyCart), errors.Is(err, domain.ErrInconsistentAudit):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrCommitInProgress), errors.Is(err, domain.ErrDuplicateOrder):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, domain.ErrGatewayTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, domain.ErrGatewayUnavailable), errors.Is(err, domain.ErrGatewayRejected):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

func unaryHandler[Req any, Resp any](name string, call func(CheckoutServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(CheckoutServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + grpcServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(CheckoutServer), ctx, req.(*Req))
			})
		},
	}
}

var checkoutServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*CheckoutServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("ReserveItems", CheckoutServer.ReserveItems),
		unaryHandler("ReleaseItems", CheckoutServer.ReleaseItems),
		unaryHandler("CheckoutCart", CheckoutServer.CheckoutCart),
		unaryHandler("ConfirmOrder", CheckoutServer.ConfirmOrder),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stock/v1/checkout.proto",
}
