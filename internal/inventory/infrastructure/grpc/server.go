package grpc

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dmehra2102/stock-reservation/internal/inventory/domain"
)

type Availability interface {
	Availability(ctx context.Context, productIDs ...string) ([]domain.StockLevel, error)
}

type Server struct {
	log    *slog.Logger
	stock  Availability
	tracer trace.Tracer
}

func NewServer(log *slog.Logger, stock Availability) *Server {
	return &Server{log: log, stock: stock, tracer: otel.Tracer("inventory-grpc")}
}

// CheckStock reports whether every requested item fits in the currently
// available stock. Nothing is reserved.
func (s *Server) CheckStock(ctx context.Context, req *CheckStockRequest) (*CheckStockResponse, error) {
	ctx, span := s.tracer.Start(ctx, "CheckStock", trace.WithAttributes(attribute.Int("items", len(req.Items))))
	defer span.End()

	if len(req.Items) == 0 {
		return nil, status.Error(codes.InvalidArgument, "no items")
	}
	want := make(map[string]int, len(req.Items))
	ids := make([]string, 0, len(req.Items))
	for _, it := range req.Items {
		if it.ProductID == "" || it.Quantity <= 0 {
			return nil, status.Errorf(codes.InvalidArgument, "invalid item %q", it.ProductID)
		}
		if _, ok := want[it.ProductID]; !ok {
			ids = append(ids, it.ProductID)
		}
		want[it.ProductID] += it.Quantity
	}

	levels, err := s.stock.Availability(ctx, ids...)
	if err != nil {
		span.RecordError(err)
		return nil, toStatus(err)
	}

	resp := &CheckStockResponse{Available: true, Levels: levels}
	for _, l := range levels {
		if l.Available < want[l.ProductID] {
			resp.Available = false
		}
	}
	return resp, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrProductNotFound), errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidQuantity):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// Run serves srv on addr until ctx is cancelled, then stops gracefully.
func Run(ctx context.Context, log *slog.Logger, addr string, srv *Server) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	gs := grpc.NewServer()
	RegisterStockServiceServer(gs, srv)

	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()

	log.Info("grpc listening", "addr", addr)
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
