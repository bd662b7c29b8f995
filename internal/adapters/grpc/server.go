package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/schjonhaug/tapcustody/internal/application"
	"github.com/schjonhaug/tapcustody/internal/domain"
)

const custodyServiceName = "tapcustody.custody.v1.CustodyInternalService"

// CustodyInternalService lets other backend services check custody without going through
// the public API.
type CustodyInternalService interface {
	VerifyOwnership(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetReceiptKey(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

type CustodyInternalServer struct {
	service *application.Service
}

func NewCustodyInternalServer(service *application.Service) *CustodyInternalServer {
	return &CustodyInternalServer{service: service}
}

// Register installs the custody service and a health service reporting it as serving.
func Register(server grpc.ServiceRegistrar, svc CustodyInternalService) *health.Server {
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: custodyServiceName,
		HandlerType: (*CustodyInternalService)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "VerifyOwnership",
				Handler:    verifyOwnershipHandler(svc),
			},
			{
				MethodName: "GetReceiptKey",
				Handler:    getReceiptKeyHandler(svc),
			},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "tapcustody/proto/custody/v1/custody_internal.proto",
	}, svc)

	hs := health.NewServer()
	hs.SetServingStatus(custodyServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return hs
}

func (s *CustodyInternalServer) VerifyOwnership(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tokenID := req.GetFields()["token_id"].GetStringValue()
	userID := req.GetFields()["user_id"].GetStringValue()
	if tokenID == "" || userID == "" {
		return nil, status.Error(codes.InvalidArgument, "token_id and user_id are required")
	}

	view, err := s.service.GetToken(ctx, userID, tokenID)
	switch {
	case errors.Is(err, domain.ErrForbidden):
		return structpb.NewStruct(map[string]any{"token_id": tokenID, "owner": false})
	case err != nil:
		return nil, statusFromDomain(err)
	}

	resp, err := structpb.NewStruct(map[string]any{
		"token_id":         tokenID,
		"owner":            view.Token.IsOwnedBy(userID),
		"status":           string(view.Token.Status),
		"transfer_counter": float64(view.Token.TransferCounter),
		"key_version":      view.Token.KeyVersion,
		"pending":          view.Pending != nil,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return resp, nil
}

func (s *CustodyInternalServer) GetReceiptKey(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	key := s.service.ReceiptPublicKey()
	if key == "" {
		return nil, status.Error(codes.Unavailable, "receipt signing not configured")
	}
	resp, err := structpb.NewStruct(map[string]any{
		"public_key": key,
		"algorithm":  "secp256k1-ecdsa-compact",
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return resp, nil
}

func statusFromDomain(err error) error {
	code := domain.Code(err)
	switch domain.CategoryOf(err) {
	case domain.CategoryValidation:
		if errors.Is(err, domain.ErrNotFound) {
			return status.Error(codes.NotFound, code)
		}
		return status.Error(codes.InvalidArgument, code)
	case domain.CategoryAuthorization:
		return status.Error(codes.PermissionDenied, code)
	case domain.CategoryConsistency:
		return status.Error(codes.Aborted, code)
	case domain.CategoryTemporal:
		return status.Error(codes.FailedPrecondition, code)
	}
	if errors.Is(err, domain.ErrStoreUnavailable) {
		return status.Error(codes.Unavailable, code)
	}
	return status.Error(codes.Internal, code)
}

func verifyOwnershipHandler(svc CustodyInternalService) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := &structpb.Struct{}
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return svc.VerifyOwnership(ctx, req)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + custodyServiceName + "/VerifyOwnership",
		}
		handler := func(ctx context.Context, req any) (any, error) {
			typed, ok := req.(*structpb.Struct)
			if !ok {
				return nil, status.Error(codes.InvalidArgument, "invalid request type")
			}
			return svc.VerifyOwnership(ctx, typed)
		}
		return interceptor(ctx, req, info, handler)
	}
}

func getReceiptKeyHandler(svc CustodyInternalService) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := &emptypb.Empty{}
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return svc.GetReceiptKey(ctx, req)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + custodyServiceName + "/GetReceiptKey",
		}
		handler := func(ctx context.Context, req any) (any, error) {
			typed, ok := req.(*emptypb.Empty)
			if !ok {
				return nil, status.Error(codes.InvalidArgument, "invalid request type")
			}
			return svc.GetReceiptKey(ctx, typed)
		}
		return interceptor(ctx, req, info, handler)
	}
}
