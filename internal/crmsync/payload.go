package crmsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Fields that must never leave the process unredacted.
var sensitiveFieldNames = map[string]struct{}{
	"note":                         {},
	"note_polished":                {},
	"transcription_raw":            {},
	"transcription_stream_partial": {},
	"transcription_final":          {},
}

const payloadSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["account", "note"],
	"properties": {
		"account": {"type": "string", "minLength": 1},
		"note": {"type": "string"},
		"ts": {"type": "string"},
		"contact_name": {"type": "string"},
		"contact_phone": {"type": "string"},
		"contact_email": {"type": "string"},
		"account_address": {"type": "string"},
		"quote_summary": {"type": "object"},
		"transcript": {"type": "object"},
		"polish": {"type": "object"}
	}
}`

var (
	payloadSchemaOnce sync.Once
	payloadSchema     *jsonschema.Schema
	payloadSchemaErr  error
)

func compiledPayloadSchema() (*jsonschema.Schema, error) {
	payloadSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payloadSchemaJSON))
		if err != nil {
			payloadSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("fieldsync://payload.schema.json", doc); err != nil {
			payloadSchemaErr = err
			return
		}
		payloadSchema, payloadSchemaErr = compiler.Compile("fieldsync://payload.schema.json")
	})
	return payloadSchema, payloadSchemaErr
}

// Payload is one note/event record submitted for CRM delivery. Fields holds
// the open record produced by the UI and its collaborators; everything else
// is delivery bookkeeping owned by this package.
type Payload struct {
	ID        string         `json:"id"`
	TS        string         `json:"ts,omitempty"`
	Fields    map[string]any `json:"fields"`
	Attempts  int            `json:"attempts,omitempty"`
	LastError string         `json:"last_error,omitempty"`
	Cached    bool           `json:"offline_cached,omitempty"`
	CachedAt  string         `json:"cached_at,omitempty"`
	GPS       string         `json:"gps,omitempty"`
}

// NewPayload normalizes fields to JSON-serializable values and validates the
// required core fields. The payload ID is not assigned here; EnsureID owns
// that.
func NewPayload(fields map[string]any) (Payload, error) {
	if len(fields) == 0 {
		return Payload{}, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	normalized, err := normalizeFields(fields)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	schema, err := compiledPayloadSchema()
	if err != nil {
		return Payload{}, err
	}
	if err := schema.Validate(normalized); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	p := Payload{Fields: normalized}
	if ts, ok := normalized["ts"].(string); ok {
		p.TS = ts
	}
	return p, nil
}

// EnsureID assigns the stable payload ID: the producer timestamp when
// present, otherwise a generated token. Once set it never changes.
func (p *Payload) EnsureID() string {
	if p.ID != "" {
		return p.ID
	}
	if p.TS != "" {
		p.ID = p.TS
		return p.ID
	}
	if ts, ok := p.Fields["ts"].(string); ok && ts != "" {
		p.ID = ts
		p.TS = ts
		return p.ID
	}
	p.ID = strings.ReplaceAll(uuid.NewString(), "-", "")
	return p.ID
}

func (p Payload) Clone() Payload {
	clone := p
	clone.Fields = cloneFieldMap(p.Fields)
	return clone
}

// wireBody builds the document sent to the CRM endpoint: the open fields
// minus internal bookkeeping, plus the payload ID so the remote can
// deduplicate re-deliveries.
func (p Payload) wireBody() map[string]any {
	body := cloneFieldMap(p.Fields)
	for key := range body {
		if strings.HasPrefix(key, "_crm_") || key == "crm_status" {
			delete(body, key)
		}
	}
	if p.TS != "" {
		body["ts"] = p.TS
	}
	body["_crm_payload_id"] = p.ID
	return body
}

// snapshotDoc builds the document persisted as last_payload / in
// recent_payloads: open fields plus the payload ID and the status block.
func (p Payload) snapshotDoc(status StatusMeta) map[string]any {
	doc := cloneFieldMap(p.Fields)
	for key := range doc {
		if strings.HasPrefix(key, "_crm_") {
			delete(doc, key)
		}
	}
	if p.TS != "" {
		doc["ts"] = p.TS
	}
	doc["_crm_payload_id"] = p.ID
	doc["crm_status"] = status.asMap()
	return doc
}

// redactedFields returns a copy safe for logging.
func (p Payload) redactedFields() map[string]any {
	redacted := make(map[string]any, len(p.Fields))
	for key, value := range p.Fields {
		if _, sensitive := sensitiveFieldNames[key]; sensitive {
			redacted[key] = "[redacted]"
		} else {
			redacted[key] = value
		}
	}
	return redacted
}

func (p Payload) fieldString(key string) string {
	if value, ok := p.Fields[key].(string); ok {
		return value
	}
	return ""
}

// normalizeFields deep-copies a field map through JSON so downstream
// consumers only ever see JSON-native values.
func normalizeFields(fields map[string]any) (map[string]any, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var normalized map[string]any
	if err := decoder.Decode(&normalized); err != nil {
		return nil, err
	}
	return normalized, nil
}

func cloneFieldMap(fields map[string]any) map[string]any {
	if fields == nil {
		return map[string]any{}
	}
	clone := make(map[string]any, len(fields))
	for key, value := range fields {
		clone[key] = cloneFieldValue(value)
	}
	return clone
}

func cloneFieldValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return cloneFieldMap(typed)
	case []any:
		cloned := make([]any, len(typed))
		for i, item := range typed {
			cloned[i] = cloneFieldValue(item)
		}
		return cloned
	default:
		return typed
	}
}
