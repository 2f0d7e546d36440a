package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/autoflow/pkg/schema"
)

const (
	workflowSchemaURL     = "https://autoflow.dev/schemas/workflow.json"
	actionSchemaURLPrefix = "https://autoflow.dev/schemas/actions/"
)

// workflowSchemaTemplate is the JSON Schema for WorkflowDefinition. The
// trigger and action enums are filled in from the schema package so the
// two never drift.
const workflowSchemaTemplate = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "` + workflowSchemaURL + `",
  "type": "object",
  "required": ["tenant_id", "name", "trigger_type"],
  "properties": {
    "id": { "type": "string" },
    "tenant_id": { "type": "string", "minLength": 1 },
    "name": { "type": "string", "minLength": 1, "maxLength": 200 },
    "description": { "type": "string" },
    "trigger_type": { "enum": %s },
    "trigger_config": {
      "type": "object",
      "additionalProperties": { "type": ["string", "number", "boolean", "null"] }
    },
    "conditions": { "$ref": "#/$defs/condition" },
    "active": { "type": "boolean" },
    "deleted": { "type": "boolean" },
    "created_at": {},
    "updated_at": {},
    "steps": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["action_kind"],
      "properties": {
        "id": { "type": "string" },
        "workflow_id": { "type": "string" },
        "name": { "type": "string" },
        "order": { "type": "integer", "minimum": 1 },
        "action_kind": { "enum": %s },
        "action_config": { "type": "object" },
        "delay_minutes": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "properties": {
        "all": { "type": "array", "items": { "$ref": "#/$defs/condition" } },
        "any": { "type": "array", "items": { "$ref": "#/$defs/condition" } },
        "not": { "$ref": "#/$defs/condition" },
        "field": { "type": "string", "minLength": 1 },
        "operator": { "type": "string" },
        "value": {},
        "expression": { "type": "string", "minLength": 1 },
        "engine": { "enum": ["cel", "expr"] }
      },
      "additionalProperties": false
    }
  }
}`

const (
	str        = `{ "type": "string" }`
	strReq     = `{ "type": "string", "minLength": 1 }`
	strOrList  = `{ "type": ["string", "array"], "items": { "type": "string" } }`
	intOrToken = `{ "type": ["integer", "string"] }`
	target     = `"entity_type": ` + str + `, "entity_id": ` + str
)

// actionSchemas holds one JSON Schema per action kind for the raw (not yet
// interpolated) config. Template tokens are strings, so typed fields that may
// be templated also accept strings.
var actionSchemas = map[schema.ActionKind]string{
	schema.ActionSendEmail: `{
  "type": "object", "required": ["to"],
  "properties": { "to": ` + strReq + `, "cc": ` + strOrList + `, "from": ` + str + `,
    "subject": ` + str + `, "body": ` + str + ` },
  "additionalProperties": false }`,

	schema.ActionSendSMS: `{
  "type": "object", "required": ["to", "body"],
  "properties": { "to": ` + strReq + `, "body": ` + strReq + ` },
  "additionalProperties": false }`,

	schema.ActionCreateTask: `{
  "type": "object", "required": ["title"],
  "properties": { "title": ` + strReq + `, "description": ` + str + `, "assignee_id": ` + str + `,
    "due_in_days": ` + intOrToken + `, ` + target + ` },
  "additionalProperties": false }`,

	schema.ActionUpdateField: `{
  "type": "object", "required": ["field"],
  "properties": { "field": ` + strReq + `,
    "operator": { "enum": ["set", "add", "subtract", "append"] },
    "value": {}, ` + target + ` },
  "additionalProperties": false }`,

	schema.ActionChangeStage: `{
  "type": "object", "required": ["stage"],
  "properties": { "stage": ` + strReq + `, "field": ` + strReq + `, ` + target + ` },
  "additionalProperties": false }`,

	schema.ActionAssignUser: `{
  "type": "object", "required": ["user_id"],
  "properties": { "user_id": ` + strReq + `, "field": ` + strReq + `, ` + target + ` },
  "additionalProperties": false }`,

	schema.ActionAddTag: tagSchema,

	schema.ActionRemoveTag: tagSchema,

	schema.ActionWebhook: `{
  "type": "object", "required": ["url"],
  "properties": {
    "url": ` + strReq + `,
    "method": { "type": "string", "pattern": "^(GET|POST|PUT|PATCH|DELETE|get|post|put|patch|delete)$" },
    "headers": { "type": "object", "additionalProperties": { "type": ["string", "number", "boolean"] } },
    "auth": {
      "type": "object", "required": ["type"],
      "properties": {
        "type": { "enum": ["bearer", "basic", "api_key"] },
        "token": ` + str + `, "username": ` + str + `, "password": ` + str + `,
        "header_name": ` + str + `, "header_value": ` + str + `
      },
      "additionalProperties": false
    },
    "payload": {},
    "timeout": { "type": "string", "pattern": "^[0-9]+(ms|s|m|h)$" },
    "response_path": ` + strReq + `
  },
  "additionalProperties": false }`,

	schema.ActionWait: `{
  "type": "object",
  "properties": { "note": ` + str + ` },
  "additionalProperties": false }`,

	schema.ActionCreateRelatedRecord: `{
  "type": "object", "required": ["entity_type"],
  "properties": { "entity_type": ` + strReq + `, "fields": { "type": "object" },
    "parent_type": ` + str + `, "parent_id": ` + str + `, "link_field": ` + str + ` },
  "additionalProperties": false }`,
}

const tagSchema = `{
  "type": "object",
  "anyOf": [ { "required": ["tag"] }, { "required": ["tags"] } ],
  "properties": { "tag": ` + strReq + `, "tags": ` + strOrList + `, ` + target + ` },
  "additionalProperties": false }`

// JSONSchemaValidator validates definitions and action configs with JSON
// Schema Draft 2020-12. Schemas are compiled once; it is safe for
// concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
	actionSchemas  map[schema.ActionKind]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the workflow schema and every action schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	triggers, err := json.Marshal(schema.TriggerTypes)
	if err != nil {
		return nil, fmt.Errorf("marshal trigger types: %w", err)
	}
	kinds, err := json.Marshal(schema.ActionKinds)
	if err != nil {
		return nil, fmt.Errorf("marshal action kinds: %w", err)
	}
	wf, err := compile(c, workflowSchemaURL, fmt.Sprintf(workflowSchemaTemplate, triggers, kinds))
	if err != nil {
		return nil, fmt.Errorf("workflow schema: %w", err)
	}

	v := &JSONSchemaValidator{
		workflowSchema: wf,
		actionSchemas:  make(map[schema.ActionKind]*jsonschema.Schema, len(actionSchemas)),
	}
	for kind, doc := range actionSchemas {
		compiled, err := compile(c, actionSchemaURLPrefix+string(kind)+".json", doc)
		if err != nil {
			return nil, fmt.Errorf("%s schema: %w", kind, err)
		}
		v.actionSchemas[kind] = compiled
	}
	return v, nil
}

func compile(c *jsonschema.Compiler, url, doc string) (*jsonschema.Schema, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if err := c.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("add resource: %w", err)
	}
	return c.Compile(url)
}

// ValidateDefinition validates a WorkflowDefinition against the workflow schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateActionConfig validates a step's raw action config against the
// schema of its kind.
func (v *JSONSchemaValidator) ValidateActionConfig(kind schema.ActionKind, config map[string]any) error {
	compiled, ok := v.actionSchemas[kind]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown action kind %q", kind)
	}
	if config == nil {
		config = map[string]any{}
	}
	doc, err := toJSONValue(config)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize action config").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError whose
// details list every violation with its instance location.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages prefixed with their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
