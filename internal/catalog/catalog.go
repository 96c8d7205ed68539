// Package catalog supplies the fixed set of named query templates the
// orchestrator runs against the telemetry source on behalf of each tenant.
//
// Queries are defined in an embedded YAML document. Each query's template is
// content-hashed at construction; the hash is the stable join key for cursor
// rows, so renaming a query (same template) still resumes from its cursor.
package catalog

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/martinothamar/altinn-tools-sub000/internal/monitoring"
)

// Sentinel errors for catalog loading and query construction.
var (
	// ErrEmptyQueryName is returned when a query definition has no name.
	ErrEmptyQueryName = errors.New("query name cannot be empty")

	// ErrEmptyQueryTemplate is returned when a query definition has no template.
	ErrEmptyQueryTemplate = errors.New("query template cannot be empty")

	// ErrInvalidQueryType is returned when a query definition carries an
	// unknown type.
	ErrInvalidQueryType = errors.New("invalid query type")

	// ErrDuplicateQueryName is returned when two catalog entries share a name.
	ErrDuplicateQueryName = errors.New("duplicate query name")

	// ErrEmptyCatalog is returned when the catalog document defines no queries.
	ErrEmptyCatalog = errors.New("catalog defines no queries")
)

//go:embed queries.yaml
var embeddedCatalog []byte

type (
	// QueryType classifies what a query template returns.
	QueryType string

	// Query is an immutable named query template.
	//
	// The hash is computed once at construction from the template content and
	// never from the name: cursor rows join on (service_owner, query_hash).
	Query struct {
		name     string
		kind     QueryType
		template string
		hash     string
	}

	// Catalog is the fixed, validated set of queries to run each poll tick.
	Catalog struct {
		queries []Query
	}

	// catalogDocument is the YAML wire form of the catalog.
	catalogDocument struct {
		Queries []queryDefinition `yaml:"queries"`
	}

	queryDefinition struct {
		Name     string `yaml:"name"`
		Type     string `yaml:"type"`
		Template string `yaml:"template"`
	}
)

const (
	// QueryTypeTraces marks queries returning distributed trace rows.
	QueryTypeTraces QueryType = "traces"

	// QueryTypeLogs marks queries returning log rows.
	QueryTypeLogs QueryType = "logs"

	// QueryTypeMetrics marks queries returning metric rows.
	QueryTypeMetrics QueryType = "metrics"
)

// IsValid checks if the QueryType is one of the known types.
func (qt QueryType) IsValid() bool {
	return qt == QueryTypeTraces || qt == QueryTypeLogs || qt == QueryTypeMetrics
}

// TelemetryKind maps the query type to the telemetry payload kind its rows carry.
func (qt QueryType) TelemetryKind() monitoring.TelemetryKind {
	switch qt {
	case QueryTypeTraces:
		return monitoring.KindTrace
	case QueryTypeLogs:
		return monitoring.KindLogs
	case QueryTypeMetrics:
		return monitoring.KindMetric
	default:
		return ""
	}
}

// NewQuery validates and constructs a Query, computing its content hash.
func NewQuery(name string, kind QueryType, template string) (Query, error) {
	if name == "" {
		return Query{}, ErrEmptyQueryName
	}

	if !kind.IsValid() {
		return Query{}, fmt.Errorf("%w: %q", ErrInvalidQueryType, kind)
	}

	if template == "" {
		return Query{}, fmt.Errorf("%w: query %q", ErrEmptyQueryTemplate, name)
	}

	sum := sha256.Sum256([]byte(template))

	return Query{
		name:     name,
		kind:     kind,
		template: template,
		hash:     hex.EncodeToString(sum[:]),
	}, nil
}

// Name returns the query's display name.
func (q Query) Name() string { return q.name }

// Type returns what kind of rows the query produces.
func (q Query) Type() QueryType { return q.kind }

// Template returns the query template text sent to the telemetry source.
func (q Query) Template() string { return q.template }

// Hash returns the hex-encoded SHA-256 of the template. This is the stable
// cursor join key: it survives query renames but changes with the template.
func (q Query) Hash() string { return q.hash }

// Load parses and validates a YAML catalog document.
func Load(doc []byte) (*Catalog, error) {
	var parsed catalogDocument
	if err := yaml.Unmarshal(doc, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse catalog document: %w", err)
	}

	if len(parsed.Queries) == 0 {
		return nil, ErrEmptyCatalog
	}

	queries := make([]Query, 0, len(parsed.Queries))
	seen := make(map[string]bool, len(parsed.Queries))

	for _, def := range parsed.Queries {
		query, err := NewQuery(def.Name, QueryType(def.Type), def.Template)
		if err != nil {
			return nil, err
		}

		if seen[query.Name()] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateQueryName, query.Name())
		}

		seen[query.Name()] = true
		queries = append(queries, query)
	}

	return &Catalog{queries: queries}, nil
}

// Default loads the embedded catalog shipped with the service.
func Default() (*Catalog, error) {
	return Load(embeddedCatalog)
}

// Queries returns the catalog's queries in definition order.
// The returned slice is a copy; the catalog itself is immutable.
func (c *Catalog) Queries() []Query {
	out := make([]Query, len(c.queries))
	copy(out, c.queries)

	return out
}

// Len returns the number of queries in the catalog.
func (c *Catalog) Len() int {
	return len(c.queries)
}
