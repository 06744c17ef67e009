package grpc

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// StockClient is the client the order service dials to ask CheckStock before
// it publishes an order. This module only exercises it in tests; it lives
// next to the server so the JSON codec and method name stay in one place.
type StockClient struct {
	log *slog.Logger
	cc  grpc.ClientConnInterface
}

func NewStockClient(log *slog.Logger, addr string, opts ...grpc.DialOption) (*StockClient, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &StockClient{log: log, cc: conn}, nil
}

func (c *StockClient) CheckStock(ctx context.Context, items []Item) (*CheckStockResponse, error) {
	resp := new(CheckStockResponse)
	err := c.cc.Invoke(ctx, checkStockMethod, &CheckStockRequest{Items: items}, resp, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *StockClient) Close() error {
	if conn, ok := c.cc.(*grpc.ClientConn); ok {
		return conn.Close()
	}
	return nil
}
