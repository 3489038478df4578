package container

import (
	"context"

	"github.com/ashureev/agentdesk/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// probe asks the environment's gRPC health service whether it is serving.
// Transport failures are Unknown; an explicit NOT_SERVING is Unhealthy.
func probe(ctx context.Context, addr string) domain.Health {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return domain.HealthUnknown
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return domain.HealthUnknown
	}

	switch resp.GetStatus() {
	case healthpb.HealthCheckResponse_SERVING:
		return domain.HealthHealthy
	case healthpb.HealthCheckResponse_NOT_SERVING:
		return domain.HealthUnhealthy
	default:
		return domain.HealthUnknown
	}
}
