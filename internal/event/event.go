// Package event defines the wire-level Event type shared by every Pipe and
// View Handler (spec.md §3), plus the schema registry spec.md §9 calls for:
// dynamic per-schema payloads modelled as tagged variants keyed by schema
// name rather than a type switch, so new schemas (only "fs" ships today)
// can be registered without touching the dispatch path.
package event

import "fmt"

// Type is the mutation kind carried by an Event.
type Type string

const (
	TypeInsert Type = "insert"
	TypeUpdate Type = "update"
	TypeDelete Type = "delete"
)

// Source tags which pipeline stage produced an Event. Per spec.md §9 Open
// Questions, the historical mixed-casing "on_demand_job" literal is folded
// into SourceOnDemandJob at decode time (see ParseSource).
type Source string

const (
	SourceRealtime    Source = "Realtime"
	SourceSnapshot    Source = "Snapshot"
	SourceAudit       Source = "Audit"
	SourceOnDemandJob Source = "OnDemandJob"
)

// ParseSource maps the wire source literal to a Source. It accepts the
// canonical spelling and its all-lowercase form, plus "on_demand_job" as an
// alias of "OnDemandJob" rather than a distinct source; any other spelling
// is an error.
func ParseSource(raw string) (Source, error) {
	switch raw {
	case string(SourceRealtime), "realtime":
		return SourceRealtime, nil
	case string(SourceSnapshot), "snapshot":
		return SourceSnapshot, nil
	case string(SourceAudit), "audit":
		return SourceAudit, nil
	case string(SourceOnDemandJob), "on_demand_job", "ondemandjob":
		return SourceOnDemandJob, nil
	default:
		return "", fmt.Errorf("fustor: unknown event source %q", raw)
	}
}

// Metadata carries lineage information injected by the Fusion Pipe from the
// owning Session (spec.md §4.6(d)), not set by the Agent itself.
type Metadata struct {
	AgentID   string `json:"agent_id,omitempty"`
	SourceURI string `json:"source_uri,omitempty"`
}

// Row is one schema-specific payload within a batch. Fields not relevant to
// a given schema are simply absent; the "fs" schema's row shape is defined
// in internal/fsschema.
type Row map[string]any

// Event is the wire-level unit of spec.md §3.
type Event struct {
	Schema   string    `json:"schema"`
	Table    string    `json:"table"`
	Type     Type      `json:"type"`
	Rows     []Row     `json:"rows"`
	Fields   []string  `json:"fields,omitempty"`
	Index    int64     `json:"index"`
	Source   Source    `json:"source"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

// Validate performs structural checks common to every schema: a non-empty
// schema/table, a recognized type, and at least one row. Schema-specific
// row validation is delegated to the registered Validator.
func (e *Event) Validate() error {
	if e.Schema == "" {
		return fmt.Errorf("fustor: event missing schema")
	}
	if e.Table == "" {
		return fmt.Errorf("fustor: event missing table")
	}
	switch e.Type {
	case TypeInsert, TypeUpdate, TypeDelete:
	default:
		return fmt.Errorf("fustor: event has unrecognized type %q", e.Type)
	}
	if len(e.Rows) == 0 {
		return fmt.Errorf("fustor: event has no rows")
	}
	return nil
}
