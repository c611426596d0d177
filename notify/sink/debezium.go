package sink

import (
	"encoding/json"
	"fmt"

	"github.com/lustre-irods/connector/changelog"
	"github.com/lustre-irods/connector/notify"
)

const debeziumConnector = "lustre-irods"

// DebeziumEncoder renders changelog records as Debezium-style change events
// so generic CDC consumers can read them. Non-record payloads are published
// as plain JSON.
type DebeziumEncoder struct {
	schema *DebeziumSchema
}

// DebeziumEnvelope is the top-level message structure
type DebeziumEnvelope struct {
	Schema  *DebeziumSchema `json:"schema"`
	Payload DebeziumPayload `json:"payload"`
}

// DebeziumSchema describes the payload structure
type DebeziumSchema struct {
	Type     string          `json:"type"`
	Fields   []DebeziumField `json:"fields,omitempty"`
	Optional bool            `json:"optional"`
	Name     string          `json:"name,omitempty"`
	Field    string          `json:"field,omitempty"`
}

// DebeziumField describes one field of a schema
type DebeziumField struct {
	Type     string          `json:"type"`
	Fields   []DebeziumField `json:"fields,omitempty"`
	Optional bool            `json:"optional"`
	Field    string          `json:"field"`
	Name     string          `json:"name,omitempty"`
}

// DebeziumPayload carries the before/after images of the entry
type DebeziumPayload struct {
	Before *DebeziumEntry `json:"before"`
	After  *DebeziumEntry `json:"after"`
	Op     string         `json:"op"`
	TsMs   int64          `json:"ts_ms"`
	Source DebeziumSource `json:"source"`
}

// DebeziumEntry is one image of a filesystem entry
type DebeziumEntry struct {
	Path      string `json:"path"`
	EntityID  string `json:"entity_id"`
	ParentID  string `json:"parent_id,omitempty"`
	Directory bool   `json:"directory"`
}

// DebeziumSource identifies where the change came from
type DebeziumSource struct {
	Connector string `json:"connector"`
	MDT       string `json:"mdt"`
	Seq       uint64 `json:"seq"`
	TsMs      int64  `json:"ts_ms"`
}

// NewDebeziumEncoder creates a Debezium encoder
func NewDebeziumEncoder() *DebeziumEncoder {
	return &DebeziumEncoder{schema: buildEnvelopeSchema()}
}

// Encode implements Encoder
func (e *DebeziumEncoder) Encode(sig notify.Signal) ([]byte, error) {
	rec, ok := sig.Payload.(changelog.ChangeRecord)
	if !ok {
		return json.Marshal(sig.Payload)
	}

	payload, err := e.payload(rec)
	if err != nil {
		return nil, err
	}
	return json.Marshal(DebeziumEnvelope{Schema: e.schema, Payload: payload})
}

func (e *DebeziumEncoder) payload(rec changelog.ChangeRecord) (DebeziumPayload, error) {
	ts := rec.Timestamp.UnixMilli()
	p := DebeziumPayload{
		TsMs: ts,
		Source: DebeziumSource{
			Connector: debeziumConnector,
			MDT:       rec.MDT,
			Seq:       rec.Seq,
			TsMs:      ts,
		},
	}

	image := func(path string) *DebeziumEntry {
		return &DebeziumEntry{
			Path:      path,
			EntityID:  rec.EntityID,
			ParentID:  rec.ParentID,
			Directory: rec.Directory,
		}
	}

	switch rec.Op {
	case changelog.OpCreate, changelog.OpMkdir:
		p.Op = "c"
		p.After = image(rec.SourcePath)
	case changelog.OpLink:
		p.Op = "c"
		p.After = image(rec.DestPath)
	case changelog.OpUnlink, changelog.OpRmdir:
		p.Op = "d"
		p.Before = image(rec.SourcePath)
	case changelog.OpRename:
		p.Op = "u"
		p.Before = image(rec.SourcePath)
		p.After = image(rec.DestPath)
	case changelog.OpModify:
		p.Op = "u"
		p.Before = image(rec.SourcePath)
		p.After = image(rec.SourcePath)
	default:
		return DebeziumPayload{}, fmt.Errorf("unsupported operation: %s", rec.Op)
	}
	return p, nil
}

func buildEnvelopeSchema() *DebeziumSchema {
	entryFields := []DebeziumField{
		{Type: "string", Optional: false, Field: "path"},
		{Type: "string", Optional: false, Field: "entity_id"},
		{Type: "string", Optional: true, Field: "parent_id"},
		{Type: "boolean", Optional: false, Field: "directory"},
	}
	const entryName = "lustre.irods.Entry"

	return &DebeziumSchema{
		Type:     "struct",
		Optional: false,
		Name:     "lustre.irods.Envelope",
		Fields: []DebeziumField{
			{Type: "struct", Fields: entryFields, Optional: true, Field: "before", Name: entryName},
			{Type: "struct", Fields: entryFields, Optional: true, Field: "after", Name: entryName},
			{Type: "string", Optional: false, Field: "op"},
			{Type: "int64", Optional: true, Field: "ts_ms"},
			{
				Type:     "struct",
				Optional: false,
				Field:    "source",
				Name:     "lustre.irods.Source",
				Fields: []DebeziumField{
					{Type: "string", Optional: false, Field: "connector"},
					{Type: "string", Optional: false, Field: "mdt"},
					{Type: "int64", Optional: false, Field: "seq"},
					{Type: "int64", Optional: false, Field: "ts_ms"},
				},
			},
		},
	}
}
