package grpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/dmehra2102/stock-reservation/internal/inventory/domain"
)

const (
	serviceName      = "reservation.v1.StockService"
	checkStockMethod = "/" + serviceName + "/CheckStock"
)

type Item struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type CheckStockRequest struct {
	Items []Item `json:"items"`
}

type CheckStockResponse struct {
	Available bool                `json:"available"`
	Levels    []domain.StockLevel `json:"levels"`
}

type StockServiceServer interface {
	CheckStock(ctx context.Context, req *CheckStockRequest) (*CheckStockResponse, error)
}

func checkStockHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CheckStockRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StockServiceServer).CheckStock(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: checkStockMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StockServiceServer).CheckStock(ctx, req.(*CheckStockRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var stockServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*StockServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CheckStock", Handler: checkStockHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "reservation/v1/stock.proto",
}

func RegisterStockServiceServer(s grpc.ServiceRegistrar, srv StockServiceServer) {
	s.RegisterService(&stockServiceDesc, srv)
}
