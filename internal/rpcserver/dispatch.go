package rpcserver

import (
	"context"

	"github.com/vmihailenco/msgpack/v5"

	workerErrors "github.com/sev-custody/enclaveworker/infrastructure/errors"
)

// handle decodes body per op, calls the matching handler, and returns
// the response value to be msgpack-encoded by the caller.
func (h *Handlers) handle(ctx context.Context, op opcode, body []byte) (interface{}, error) {
	switch op {
	case opCreateUserConnection:
		var req CreateUserConnectionRequest
		if err := msgpack.Unmarshal(body, &req); err != nil {
			return nil, workerErrors.InvalidInput("body", "malformed request")
		}
		return h.createUserConnection(ctx, req)

	case opProcessSyncJob:
		var req ProcessSyncJobRequest
		if err := msgpack.Unmarshal(body, &req); err != nil {
			return nil, workerErrors.InvalidInput("body", "malformed request")
		}
		return h.processSyncJob(ctx, req)

	case opGetAggregatedMetrics:
		var req GetAggregatedMetricsRequest
		if err := msgpack.Unmarshal(body, &req); err != nil {
			return nil, workerErrors.InvalidInput("body", "malformed request")
		}
		return h.getAggregatedMetrics(ctx, req)

	case opGetSnapshotTimeSeries:
		var req GetSnapshotTimeSeriesRequest
		if err := msgpack.Unmarshal(body, &req); err != nil {
			return nil, workerErrors.InvalidInput("body", "malformed request")
		}
		return h.getSnapshotTimeSeries(ctx, req)

	case opHealthCheck:
		var req HealthCheckRequest
		_ = msgpack.Unmarshal(body, &req)
		return h.healthCheck(ctx, req)

	default:
		return nil, workerErrors.InvalidInput("opcode", "unknown operation")
	}
}
