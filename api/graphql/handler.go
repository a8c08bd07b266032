package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/graphql-go/graphql"
	graphqlhandler "github.com/graphql-go/handler"
	"go.uber.org/zap"

	"github.com/deep-stack/azimuth-watcher/internal/constants"
)

// maxRequestBytes bounds the request body read for logging
const maxRequestBytes = 1 << 20

// Handler serves GraphQL queries and mutations over HTTP
type Handler struct {
	schema  *Schema
	handler *graphqlhandler.Handler
	logger  *zap.Logger
}

// NewHandler creates a GraphQL handler for schema
func NewHandler(schema *Schema, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	h := graphqlhandler.New(&graphqlhandler.Config{
		Schema:     &schema.schema,
		Pretty:     true,
		GraphiQL:   false,
		Playground: false,
	})

	return &Handler{
		schema:  schema,
		handler: h,
		logger:  logger,
	}
}

// ServeHTTP records the request metadata resolvers log, then executes the request
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	info := &requestInfo{
		APIKey: r.Header.Get(constants.HeaderAPIKey),
		Origin: r.Header.Get(constants.HeaderOrigin),
	}

	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		info.Query = q.Get("query")
		info.Variables = q.Get("variables")
		info.OperationName = q.Get("operationName")

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/graphql") {
			info.Query = string(body)
		} else {
			parseRequestBody(body, info)
		}
	}

	h.handler.ContextHandler(withRequestInfo(r.Context(), info), w, r)
}

// PlaygroundHandler serves GraphQL Playground pointed at the query and subscription endpoints
func (h *Handler) PlaygroundHandler(endpoint, subscriptionEndpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		playgroundHTML := `
<!DOCTYPE html>
<html>
<head>
  <title>GraphQL Playground</title>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/graphql-playground-react/build/static/css/index.css" />
  <link rel="shortcut icon" href="https://cdn.jsdelivr.net/npm/graphql-playground-react/build/favicon.png" />
  <script src="https://cdn.jsdelivr.net/npm/graphql-playground-react/build/static/js/middleware.js"></script>
</head>
<body>
  <div id="root"></div>
  <script>
    window.addEventListener('load', function (event) {
      GraphQLPlayground.init(document.getElementById('root'), {
        endpoint: '` + endpoint + `',
        subscriptionEndpoint: '` + subscriptionEndpoint + `',
        settings: {
          'request.credentials': 'same-origin',
        },
      })
    })
  </script>
</body>
</html>
`
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(playgroundHTML))
	}
}

// ExecuteQuery executes a GraphQL query (for testing)
func (h *Handler) ExecuteQuery(ctx context.Context, query string, variables map[string]interface{}) *graphql.Result {
	return graphql.Do(graphql.Params{
		Schema:         h.schema.schema,
		RequestString:  query,
		VariableValues: variables,
		Context:        ctx,
	})
}

// ExecuteQueryJSON executes a GraphQL query and returns JSON (for testing)
func (h *Handler) ExecuteQueryJSON(ctx context.Context, query string, variables map[string]interface{}) ([]byte, error) {
	return json.Marshal(h.ExecuteQuery(ctx, query, variables))
}
