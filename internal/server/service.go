package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"EnergyLedger/internal/event"
	"EnergyLedger/internal/ingestion"
	"EnergyLedger/internal/observability"
	"EnergyLedger/internal/query"
)

const serviceName = "energyledger.v1.BatteryService"

// OperationResponse is returned by every mutating method.
type OperationResponse struct {
	Record    event.OperationRecord `json:"record"`
	Duplicate bool                  `json:"duplicate"`
}

type GetPoolRequest struct {
	PoolID string `json:"pool_id"`
}

type GetUserAccountRequest struct {
	PoolID string `json:"pool_id"`
	UserID string `json:"user_id"`
}

type AuditPoolRequest struct {
	PoolID string `json:"pool_id"`
}

// BatteryServer is the gRPC surface. Mutating methods take the raw JSON
// command so every transport shares ingestion.ParseCommand.
type BatteryServer interface {
	InitializePool(ctx context.Context, req json.RawMessage) (*OperationResponse, error)
	OpenUserAccount(ctx context.Context, req json.RawMessage) (*OperationResponse, error)
	Allocate(ctx context.Context, req json.RawMessage) (*OperationResponse, error)
	Deallocate(ctx context.Context, req json.RawMessage) (*OperationResponse, error)
	DepositEnergy(ctx context.Context, req json.RawMessage) (*OperationResponse, error)
	WithdrawEnergy(ctx context.Context, req json.RawMessage) (*OperationResponse, error)

	GetPool(ctx context.Context, req *GetPoolRequest) (*query.PoolView, error)
	GetUserAccount(ctx context.Context, req *GetUserAccountRequest) (*query.UserAccountView, error)
	AuditPool(ctx context.Context, req *AuditPoolRequest) (*query.AuditReport, error)
}

// BatteryService implements BatteryServer over the engine and query service.
type BatteryService struct {
	engine  ingestion.Applier
	queries *query.QueryService
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewBatteryService(engine ingestion.Applier, queries *query.QueryService, metrics *observability.Metrics, logger zerolog.Logger) *BatteryService {
	return &BatteryService{
		engine:  engine,
		queries: queries,
		metrics: metrics,
		logger:  logger,
	}
}

func (s *BatteryService) InitializePool(ctx context.Context, req json.RawMessage) (*OperationResponse, error) {
	return s.apply(ctx, event.OpInitializePool, req)
}

func (s *BatteryService) OpenUserAccount(ctx context.Context, req json.RawMessage) (*OperationResponse, error) {
	return s.apply(ctx, event.OpOpenUserAccount, req)
}

func (s *BatteryService) Allocate(ctx context.Context, req json.RawMessage) (*OperationResponse, error) {
	return s.apply(ctx, event.OpAllocate, req)
}

func (s *BatteryService) Deallocate(ctx context.Context, req json.RawMessage) (*OperationResponse, error) {
	return s.apply(ctx, event.OpDeallocate, req)
}

func (s *BatteryService) DepositEnergy(ctx context.Context, req json.RawMessage) (*OperationResponse, error) {
	return s.apply(ctx, event.OpDepositEnergy, req)
}

func (s *BatteryService) WithdrawEnergy(ctx context.Context, req json.RawMessage) (*OperationResponse, error) {
	return s.apply(ctx, event.OpWithdrawEnergy, req)
}

func (s *BatteryService) apply(ctx context.Context, op event.OpType, raw json.RawMessage) (*OperationResponse, error) {
	if s.metrics != nil {
		s.metrics.CommandsReceived.WithLabelValues("grpc", op.String()).Inc()
	}

	cmd, err := ingestion.ParseCommand(op, raw)
	if err != nil {
		if s.metrics != nil {
			s.metrics.CommandsInvalid.Inc()
		}
		return nil, toStatus(err)
	}

	res, err := s.engine.Apply(ctx, cmd)
	if err != nil {
		return nil, toStatus(err)
	}
	return &OperationResponse{Record: res.Record, Duplicate: res.Duplicate}, nil
}

func (s *BatteryService) GetPool(ctx context.Context, req *GetPoolRequest) (*query.PoolView, error) {
	poolID, err := parseID("pool_id", req.PoolID)
	if err != nil {
		return nil, err
	}
	v, err := s.queries.GetPool(ctx, poolID)
	return v, toStatus(err)
}

func (s *BatteryService) GetUserAccount(ctx context.Context, req *GetUserAccountRequest) (*query.UserAccountView, error) {
	poolID, err := parseID("pool_id", req.PoolID)
	if err != nil {
		return nil, err
	}
	userID, err := parseID("user_id", req.UserID)
	if err != nil {
		return nil, err
	}
	v, err := s.queries.GetUserAccount(ctx, poolID, userID)
	return v, toStatus(err)
}

// AuditPool returns the report even when the pool fails the audit; callers
// read IsHealthy.
func (s *BatteryService) AuditPool(ctx context.Context, req *AuditPoolRequest) (*query.AuditReport, error) {
	poolID, err := parseID("pool_id", req.PoolID)
	if err != nil {
		return nil, err
	}
	report, err := s.queries.AuditPool(ctx, poolID)
	if report != nil {
		return report, nil
	}
	return nil, toStatus(err)
}

func parseID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, toStatus(fmt.Errorf("%w: parse %s: %v", ingestion.ErrInvalidCommand, field, err))
	}
	return id, nil
}

// RegisterBatteryServer registers srv on s.
func RegisterBatteryServer(s grpc.ServiceRegistrar, srv BatteryServer) {
	s.RegisterService(&batteryServiceDesc, srv)
}

var batteryServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*BatteryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "InitializePool", Handler: commandHandler("InitializePool", BatteryServer.InitializePool)},
		{MethodName: "OpenUserAccount", Handler: commandHandler("OpenUserAccount", BatteryServer.OpenUserAccount)},
		{MethodName: "Allocate", Handler: commandHandler("Allocate", BatteryServer.Allocate)},
		{MethodName: "Deallocate", Handler: commandHandler("Deallocate", BatteryServer.Deallocate)},
		{MethodName: "DepositEnergy", Handler: commandHandler("DepositEnergy", BatteryServer.DepositEnergy)},
		{MethodName: "WithdrawEnergy", Handler: commandHandler("WithdrawEnergy", BatteryServer.WithdrawEnergy)},
		{MethodName: "GetPool", Handler: queryHandler("GetPool", BatteryServer.GetPool)},
		{MethodName: "GetUserAccount", Handler: queryHandler("GetUserAccount", BatteryServer.GetUserAccount)},
		{MethodName: "AuditPool", Handler: queryHandler("AuditPool", BatteryServer.AuditPool)},
	},
	Streams: []grpc.StreamDesc{},
}

// FullMethod returns the gRPC method path of a BatteryService method.
func FullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

func commandHandler(
	method string,
	call func(BatteryServer, context.Context, json.RawMessage) (*OperationResponse, error),
) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		var in json.RawMessage
		if err := dec(&in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BatteryServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(BatteryServer), ctx, req.(json.RawMessage))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func queryHandler[Req any, Resp any](
	method string,
	call func(BatteryServer, context.Context, *Req) (*Resp, error),
) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BatteryServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(BatteryServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
