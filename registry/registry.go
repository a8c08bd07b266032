// Package registry maps contract kinds to their embedded ABIs.
//
// A watcher serves exactly one kind, but the indexer can watch contracts of any
// registered kind, so every artifact under artifacts/ is loaded at startup.
package registry

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

//go:embed artifacts/*.json
var artifacts embed.FS

var (
	// ErrUnknownKind is returned when a contract kind has no registered ABI
	ErrUnknownKind = errors.New("unknown contract kind")

	// ErrUnknownMethod is returned when a kind has no view function of the given name
	ErrUnknownMethod = errors.New("unknown method")
)

// Kind names
const (
	KindAzimuth                = "Azimuth"
	KindCensures               = "Censures"
	KindClaims                 = "Claims"
	KindConditionalStarRelease = "ConditionalStarRelease"
	KindDelegatedSending       = "DelegatedSending"
	KindEcliptic               = "Ecliptic"
	KindLinearStarRelease      = "LinearStarRelease"
	KindPolls                  = "Polls"
)

// uncachedMethods lists the list accessors that always go upstream
var uncachedMethods = map[string][]string{
	KindAzimuth: {
		"getSpawned",
		"getSponsoring",
		"getEscapeRequests",
		"getOwnedPoints",
		"getManagerFor",
		"getSpawningFor",
		"getVotingFor",
		"getTransferringFor",
	},
	KindCensures: {
		"getCensuring",
		"getCensuredBy",
	},
	KindConditionalStarRelease: {
		"getBatches",
		"getWithdrawn",
		"getForfeited",
		"getRemainingStars",
		"getConditionsState",
	},
	KindDelegatedSending: {
		"getInvited",
	},
	KindLinearStarRelease: {
		"getRemainingStars",
	},
	KindPolls: {
		"getUpgradeProposals",
		"getDocumentProposals",
		"getDocumentMajorities",
	},
}

type artifact struct {
	ContractName string          `json:"contractName"`
	ABI          json.RawMessage `json:"abi"`
}

// Kind is a contract kind with its parsed ABI
type Kind struct {
	Name     string
	ABI      abi.ABI
	RawABI   string
	uncached map[string]bool
}

// Method returns the view function with the given name
func (k *Kind) Method(name string) (abi.Method, error) {
	m, ok := k.ABI.Methods[name]
	if !ok || !m.IsConstant() {
		return abi.Method{}, fmt.Errorf("%w %q for kind %s", ErrUnknownMethod, name, k.Name)
	}
	return m, nil
}

// IsCached reports whether results of the method are stored in the call cache
func (k *Kind) IsCached(method string) bool {
	return !k.uncached[method]
}

// ViewMethods returns the kind's view functions sorted by name
func (k *Kind) ViewMethods() []abi.Method {
	methods := make([]abi.Method, 0, len(k.ABI.Methods))
	for _, m := range k.ABI.Methods {
		if m.IsConstant() {
			methods = append(methods, m)
		}
	}
	sort.Slice(methods, func(i, j int) bool { return methods[i].Name < methods[j].Name })
	return methods
}

// Events returns the kind's events sorted by name
func (k *Kind) Events() []abi.Event {
	events := make([]abi.Event, 0, len(k.ABI.Events))
	for _, e := range k.ABI.Events {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Name < events[j].Name })
	return events
}

// ArgNames returns the parameter names of a method, naming unnamed parameters key0, key1, ...
func ArgNames(m abi.Method) []string {
	names := make([]string, len(m.Inputs))
	for i, in := range m.Inputs {
		if in.Name == "" {
			names[i] = fmt.Sprintf("key%d", i)
		} else {
			names[i] = in.Name
		}
	}
	return names
}

// Registry holds the known contract kinds
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]*Kind
}

// New loads every embedded artifact
func New() (*Registry, error) {
	r := &Registry{kinds: make(map[string]*Kind)}

	entries, err := artifacts.ReadDir("artifacts")
	if err != nil {
		return nil, fmt.Errorf("failed to read artifacts: %w", err)
	}

	for _, entry := range entries {
		data, err := artifacts.ReadFile(path.Join("artifacts", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read artifact %s: %w", entry.Name(), err)
		}

		var a artifact
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("failed to parse artifact %s: %w", entry.Name(), err)
		}
		name := a.ContractName
		if name == "" {
			name = strings.TrimSuffix(entry.Name(), ".json")
		}

		if err := r.Register(name, string(a.ABI), uncachedMethods[name]); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Register adds a kind from its ABI JSON. Registering an existing name replaces it.
func (r *Registry) Register(name, abiJSON string, uncached []string) error {
	parsed, err := abi.JSON(bytes.NewReader([]byte(abiJSON)))
	if err != nil {
		return fmt.Errorf("failed to parse ABI for kind %s: %w", name, err)
	}

	kind := &Kind{
		Name:     name,
		ABI:      parsed,
		RawABI:   abiJSON,
		uncached: make(map[string]bool, len(uncached)),
	}
	for _, m := range uncached {
		if _, ok := parsed.Methods[m]; !ok {
			return fmt.Errorf("uncached method %s not in ABI for kind %s", m, name)
		}
		kind.uncached[m] = true
	}

	r.mu.Lock()
	r.kinds[name] = kind
	r.mu.Unlock()
	return nil
}

// Kind looks up a contract kind
func (r *Registry) Kind(name string) (*Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kind, ok := r.kinds[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, name)
	}
	return kind, nil
}

// Kinds returns the registered kind names, sorted
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
