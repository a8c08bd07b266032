package graphql

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/graphql-go/graphql"
	"go.uber.org/zap"

	watcherabi "github.com/deep-stack/azimuth-watcher/abi"
	"github.com/deep-stack/azimuth-watcher/cache"
	"github.com/deep-stack/azimuth-watcher/events"
	"github.com/deep-stack/azimuth-watcher/registry"
	"github.com/deep-stack/azimuth-watcher/storage"
)

// Store is the read side of the watcher database
type Store interface {
	GetBlockProgress(ctx context.Context, blockHash string) (*storage.BlockProgress, error)
	GetBlocksInRange(ctx context.Context, from, to uint64) ([]*storage.BlockProgress, error)
	GetEvents(ctx context.Context, blockHash, contract, name string) ([]*storage.Event, error)
	GetEventsInRange(ctx context.Context, from, to uint64) ([]*storage.Event, error)
	GetContract(ctx context.Context, address string) (*storage.Contract, error)
	GetSyncStatus(ctx context.Context) (*storage.SyncStatus, error)
	GetState(ctx context.Context, blockHash, contract, kind string) (*storage.State, error)
	GetStateByCID(ctx context.Context, cid string) (*storage.State, error)
}

// ContractWatcher adds contracts to the watched set
type ContractWatcher interface {
	WatchContract(ctx context.Context, address, kind string, checkpoint bool, startingBlock uint64) error
}

// Option configures a Schema
type Option func(*Schema)

// WithEventBus enables the onEvent subscription
func WithEventBus(bus *events.EventBus) Option {
	return func(s *Schema) {
		s.bus = bus
	}
}

// WithMaxEventsBlockRange bounds eventsInRange. 0 disables the bound.
func WithMaxEventsBlockRange(n uint64) Option {
	return func(s *Schema) {
		s.maxEventsBlockRange = n
	}
}

// Schema is the GraphQL schema of a watcher, generated from its contract kind
type Schema struct {
	schema  graphql.Schema
	kind    *registry.Kind
	caller  *cache.CachedCall
	store   Store
	watcher ContractWatcher
	bus     *events.EventBus
	logger  *zap.Logger

	maxEventsBlockRange uint64

	// eventTypes maps a raw event name of the served kind to its GraphQL object
	eventTypes map[string]*graphql.Object
	eventABIs  map[string]abi.Event

	subSeq atomic.Uint64
}

// NewSchema builds the schema: one query field per view function of the caller's kind,
// plus the event, state and sync status queries, the watchContract mutation and the
// onEvent subscription.
func NewSchema(caller *cache.CachedCall, store Store, watcher ContractWatcher, logger *zap.Logger, opts ...Option) (*Schema, error) {
	if caller == nil {
		return nil, fmt.Errorf("caller cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if watcher == nil {
		return nil, fmt.Errorf("contract watcher cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Schema{
		kind:       caller.Kind(),
		caller:     caller,
		store:      store,
		watcher:    watcher,
		logger:     logger.With(zap.String("component", "graphql")),
		eventTypes: make(map[string]*graphql.Object),
		eventABIs:  make(map[string]abi.Event),
	}
	for _, opt := range opts {
		opt(s)
	}

	resultEventType := s.buildResultEventType()

	queryFields := graphql.Fields{
		"events": &graphql.Field{
			Type: graphql.NewList(graphql.NewNonNull(resultEventType)),
			Args: graphql.FieldConfigArgument{
				"blockHash": &graphql.ArgumentConfig{
					Type: graphql.NewNonNull(graphql.String),
				},
				"contractAddress": &graphql.ArgumentConfig{
					Type: graphql.NewNonNull(graphql.String),
				},
				"name": &graphql.ArgumentConfig{
					Type: graphql.String,
				},
			},
			Resolve: s.instrument("events", s.resolveEvents),
		},
		"eventsInRange": &graphql.Field{
			Type: graphql.NewList(graphql.NewNonNull(resultEventType)),
			Args: graphql.FieldConfigArgument{
				"fromBlockNumber": &graphql.ArgumentConfig{
					Type: graphql.NewNonNull(graphql.Int),
				},
				"toBlockNumber": &graphql.ArgumentConfig{
					Type: graphql.NewNonNull(graphql.Int),
				},
			},
			Resolve: s.instrument("eventsInRange", s.resolveEventsInRange),
		},
		"getState": &graphql.Field{
			Type: stateType,
			Args: graphql.FieldConfigArgument{
				"blockHash": &graphql.ArgumentConfig{
					Type: graphql.NewNonNull(graphql.String),
				},
				"contractAddress": &graphql.ArgumentConfig{
					Type: graphql.NewNonNull(graphql.String),
				},
				"kind": &graphql.ArgumentConfig{
					Type:         graphql.String,
					DefaultValue: storage.StateKindDiff,
				},
			},
			Resolve: s.instrument("getState", s.resolveGetState),
		},
		"getStateByCID": &graphql.Field{
			Type: stateType,
			Args: graphql.FieldConfigArgument{
				"cid": &graphql.ArgumentConfig{
					Type: graphql.NewNonNull(graphql.String),
				},
			},
			Resolve: s.instrument("getStateByCID", s.resolveGetStateByCID),
		},
		"getSyncStatus": &graphql.Field{
			Type:    syncStatusType,
			Resolve: s.instrument("getSyncStatus", s.resolveGetSyncStatus),
		},
	}

	resultTypes := make(map[string]*graphql.Object)
	for _, m := range s.kind.ViewMethods() {
		if len(m.Outputs) == 0 {
			continue
		}
		if _, taken := queryFields[m.Name]; taken {
			s.logger.Warn("view function shadowed by a built-in query", zap.String("method", m.Name))
			continue
		}
		queryFields[m.Name] = s.viewField(m, resultTypes)
	}

	mutationType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Mutation",
		Fields: graphql.Fields{
			"watchContract": &graphql.Field{
				Type: graphql.NewNonNull(graphql.Boolean),
				Args: graphql.FieldConfigArgument{
					"address": &graphql.ArgumentConfig{
						Type: graphql.NewNonNull(graphql.String),
					},
					"kind": &graphql.ArgumentConfig{
						Type: graphql.NewNonNull(graphql.String),
					},
					"checkpoint": &graphql.ArgumentConfig{
						Type: graphql.NewNonNull(graphql.Boolean),
					},
					"startingBlock": &graphql.ArgumentConfig{
						Type:         graphql.Int,
						DefaultValue: 1,
					},
				},
				Resolve: s.instrument("watchContract", s.resolveWatchContract),
			},
		},
	})

	subscriptionType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Subscription",
		Fields: graphql.Fields{
			"onEvent": &graphql.Field{
				Type: graphql.NewNonNull(resultEventType),
				Args: graphql.FieldConfigArgument{
					"contractAddress": &graphql.ArgumentConfig{
						Type: graphql.String,
					},
					"name": &graphql.ArgumentConfig{
						Type: graphql.String,
					},
				},
				Subscribe: s.subscribeOnEvent,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return p.Source, nil
				},
			},
		},
	})

	schema, err := graphql.NewSchema(graphql.SchemaConfig{
		Query: graphql.NewObject(graphql.ObjectConfig{
			Name:   "Query",
			Fields: queryFields,
		}),
		Mutation:     mutationType,
		Subscription: subscriptionType,
		Types:        []graphql.Type{BigInt, BigDecimal},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build schema for kind %s: %w", s.kind.Name, err)
	}
	s.schema = schema

	return s, nil
}

// Schema returns the underlying graphql-go schema
func (s *Schema) Schema() graphql.Schema {
	return s.schema
}

// Kind returns the contract kind the schema serves
func (s *Schema) Kind() *registry.Kind {
	return s.kind
}

// viewField builds the query field of a view function
func (s *Schema) viewField(m abi.Method, resultTypes map[string]*graphql.Object) *graphql.Field {
	args := graphql.FieldConfigArgument{
		"blockHash": &graphql.ArgumentConfig{
			Type: graphql.NewNonNull(graphql.String),
		},
		"contractAddress": &graphql.ArgumentConfig{
			Type: graphql.NewNonNull(graphql.String),
		},
	}
	argNames := registry.ArgNames(m)
	for i, input := range m.Inputs {
		args[argNames[i]] = &graphql.ArgumentConfig{
			Type: graphql.NewNonNull(graphqlType(input.Type)),
		}
	}

	return &graphql.Field{
		Type:    s.resultType(m, resultTypes),
		Args:    args,
		Resolve: s.instrument(m.Name, s.viewResolver(m, argNames)),
	}
}

// resultType returns Result<Type>{value, proof} for a method's outputs.
// Single outputs share types by name; multiple outputs get a per-method value object.
func (s *Schema) resultType(m abi.Method, resultTypes map[string]*graphql.Object) *graphql.Object {
	var valueType graphql.Type
	var name string

	switch len(m.Outputs) {
	case 1:
		valueType = graphqlType(m.Outputs[0].Type)
		name = typeName(valueType)
	default:
		name = exportedName(m.Name) + "Type"
		fields := graphql.Fields{}
		for i, out := range m.Outputs {
			fields[watcherabi.OutputKey(i)] = &graphql.Field{
				Type: graphql.NewNonNull(graphqlType(out.Type)),
			}
		}
		valueType = graphql.NewObject(graphql.ObjectConfig{
			Name:   name,
			Fields: fields,
		})
	}

	if t, ok := resultTypes[name]; ok {
		return t
	}
	t := graphql.NewObject(graphql.ObjectConfig{
		Name: "Result" + name,
		Fields: graphql.Fields{
			"value": &graphql.Field{Type: graphql.NewNonNull(valueType)},
			"proof": &graphql.Field{Type: proofType},
		},
	})
	resultTypes[name] = t
	return t
}

// buildResultEventType builds ResultEvent and the Event union over the kind's events
func (s *Schema) buildResultEventType() *graphql.Object {
	objects := []*graphql.Object{genericEventType}

	for _, ev := range s.kind.Events() {
		if _, dup := s.eventTypes[ev.RawName]; dup {
			continue
		}
		fields := graphql.Fields{}
		for _, input := range ev.Inputs {
			if input.Name == "" {
				continue
			}
			fields[input.Name] = &graphql.Field{
				Type: graphql.NewNonNull(graphqlType(input.Type)),
			}
		}
		if len(fields) == 0 {
			fields["dummy"] = &graphql.Field{Type: graphql.String}
		}

		obj := graphql.NewObject(graphql.ObjectConfig{
			Name:   exportedName(ev.RawName) + "Event",
			Fields: fields,
		})
		s.eventTypes[ev.RawName] = obj
		s.eventABIs[ev.RawName] = ev
		objects = append(objects, obj)
	}

	eventUnion := graphql.NewUnion(graphql.UnionConfig{
		Name:  "Event",
		Types: objects,
		ResolveType: func(p graphql.ResolveTypeParams) *graphql.Object {
			if ev, ok := p.Value.(map[string]interface{}); ok {
				if name, ok := ev[typenameKey].(string); ok {
					if obj, ok := s.eventTypes[name]; ok {
						return obj
					}
				}
			}
			return genericEventType
		},
	})

	return graphql.NewObject(graphql.ObjectConfig{
		Name: "ResultEvent",
		Fields: graphql.Fields{
			"block":      &graphql.Field{Type: graphql.NewNonNull(blockType)},
			"tx":         &graphql.Field{Type: graphql.NewNonNull(transactionType)},
			"contract":   &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"eventIndex": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"event":      &graphql.Field{Type: graphql.NewNonNull(eventUnion)},
			"proof":      &graphql.Field{Type: proofType},
		},
	})
}
