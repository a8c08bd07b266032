package graphql

import (
	"context"
	"errors"
	"time"

	"github.com/graphql-go/graphql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/deep-stack/azimuth-watcher/storage"
)

var (
	queryCountTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gql_query_count_total",
		Help: "Total GraphQL queries",
	})

	queryCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gql_query_count",
		Help: "GraphQL queries by field",
	}, []string{"name"})

	queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gql_query_duration_seconds",
		Help:    "GraphQL query resolution time by field",
		Buckets: prometheus.DefBuckets,
	}, []string{"name"})
)

// requestInfo is the request metadata logged with every resolved field
type requestInfo struct {
	Query         string
	Variables     string
	OperationName string
	APIKey        string
	Origin        string
}

type requestInfoKey struct{}

func withRequestInfo(ctx context.Context, info *requestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

func requestInfoFrom(ctx context.Context) *requestInfo {
	if ctx == nil {
		return &requestInfo{}
	}
	if info, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		return info
	}
	return &requestInfo{}
}

// parseRequestBody extracts the operation from a JSON request body
func parseRequestBody(body []byte, info *requestInfo) {
	if !gjson.ValidBytes(body) {
		return
	}
	res := gjson.GetManyBytes(body, "query", "variables", "operationName")
	info.Query = res[0].String()
	if res[1].Exists() && res[1].Type != gjson.Null {
		info.Variables = res[1].Raw
	}
	info.OperationName = res[2].String()
}

// instrument counts, times and logs a resolver
func (s *Schema) instrument(name string, resolve graphql.FieldResolveFn) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		queryCountTotal.Inc()
		queryCount.WithLabelValues(name).Inc()

		start := time.Now()
		result, err := resolve(p)
		queryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

		info := requestInfoFrom(p.Context)
		fields := []zap.Field{
			zap.String("field", name),
			zap.String("query", info.Query),
			zap.String("variables", info.Variables),
			zap.Uint64("latest_indexed_block", s.latestIndexedBlock(p.Context)),
			zap.String("api_key", info.APIKey),
			zap.String("origin", info.Origin),
			zap.Duration("duration", time.Since(start)),
		}
		if err != nil {
			s.logger.Error("graphql query failed", append(fields, zap.Error(err))...)
			return nil, err
		}
		s.logger.Info("graphql query", fields...)
		return result, nil
	}
}

func (s *Schema) latestIndexedBlock(ctx context.Context) uint64 {
	if ctx == nil {
		ctx = context.Background()
	}
	status, err := s.store.GetSyncStatus(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Debug("failed to read sync status", zap.Error(err))
		}
		return 0
	}
	return status.LatestIndexedBlockNumber
}
