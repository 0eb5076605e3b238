package eventstore

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/parleylabs/parley/internal/domain"
)

type eventSchemaRegistry struct {
	once    sync.Once
	initErr error
	header  *jsonschema.Schema
	types   map[domain.EventType]*jsonschema.Schema
}

var eventSchemas eventSchemaRegistry

func initEventSchemas() error {
	eventSchemas.once.Do(func() {
		header, err := jsonschema.CompileString("event_header", eventHeaderSchema)
		if err != nil {
			eventSchemas.initErr = err
			return
		}
		eventSchemas.header = header

		payloads := map[domain.EventType]string{
			domain.EventUserMessage:     userMessageSchema,
			domain.EventUserAudio:       userAudioSchema,
			domain.EventAgentMessage:    agentMessageSchema,
			domain.EventAgentCallback:   agentCallbackSchema,
			domain.EventTurnStart:       turnStartSchema,
			domain.EventAssistantChunk:  textPayloadSchema,
			domain.EventThinkingDelta:   textPayloadSchema,
			domain.EventToolCall:        toolCallSchema,
			domain.EventToolResult:      toolResultSchema,
			domain.EventToolOutputDelta: toolOutputDeltaSchema,
			domain.EventInterrupt:       interruptSchema,
			domain.EventSummaryMessage:  summaryMessageSchema,
			domain.EventCustomMessage:   textPayloadSchema,
		}

		eventSchemas.types = make(map[domain.EventType]*jsonschema.Schema, len(payloads))
		for t, schema := range payloads {
			compiled, err := jsonschema.CompileString("event_"+string(t), schema)
			if err != nil {
				eventSchemas.initErr = err
				return
			}
			eventSchemas.types[t] = compiled
		}
	})
	return eventSchemas.initErr
}

// validateEventBytes checks one serialized event against the header schema
// and, for known types, the per-type payload schema. Unknown types pass with
// header validation only so logs from newer builds stay readable.
func validateEventBytes(raw []byte) error {
	if err := initEventSchemas(); err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := eventSchemas.header.Validate(payload); err != nil {
		return err
	}
	m, _ := payload.(map[string]any)
	t, _ := m["type"].(string)
	if schema := eventSchemas.types[domain.EventType(t)]; schema != nil {
		if err := schema.Validate(payload); err != nil {
			return err
		}
	}
	return nil
}

const eventHeaderSchema = `{
  "type": "object",
  "required": ["id", "timestamp", "sessionId", "type"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "timestamp": { "type": "integer", "minimum": 0 },
    "sessionId": { "type": "string", "minLength": 1 },
    "turnId": { "type": "string" },
    "responseId": { "type": "string" },
    "type": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const userMessageSchema = `{
  "type": "object",
  "required": ["text"],
  "properties": {
    "text": { "type": "string" }
  },
  "additionalProperties": true
}`

const userAudioSchema = `{
  "type": "object",
  "required": ["transcription"],
  "properties": {
    "transcription": { "type": "string" }
  },
  "additionalProperties": true
}`

const agentMessageSchema = `{
  "type": "object",
  "required": ["messageId", "targetAgentId", "targetSessionId", "message"],
  "properties": {
    "messageId": { "type": "string", "minLength": 1 },
    "targetAgentId": { "type": "string", "minLength": 1 },
    "targetSessionId": { "type": "string", "minLength": 1 },
    "message": { "type": "string" },
    "wait": { "type": "boolean" }
  },
  "additionalProperties": true
}`

const agentCallbackSchema = `{
  "type": "object",
  "required": ["messageId", "fromAgentId", "fromSessionId"],
  "properties": {
    "messageId": { "type": "string", "minLength": 1 },
    "fromAgentId": { "type": "string", "minLength": 1 },
    "fromSessionId": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const turnStartSchema = `{
  "type": "object",
  "required": ["trigger"],
  "properties": {
    "trigger": { "enum": ["user", "system", "callback"] }
  },
  "additionalProperties": true
}`

const textPayloadSchema = `{
  "type": "object",
  "required": ["text"],
  "properties": {
    "text": { "type": "string" }
  },
  "additionalProperties": true
}`

const toolCallSchema = `{
  "type": "object",
  "required": ["toolCallId", "toolName"],
  "properties": {
    "toolCallId": { "type": "string", "minLength": 1 },
    "toolName": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const toolResultSchema = `{
  "type": "object",
  "required": ["toolCallId"],
  "properties": {
    "toolCallId": { "type": "string", "minLength": 1 },
    "error": {
      "type": "object",
      "required": ["code"],
      "properties": {
        "code": { "type": "string", "minLength": 1 },
        "message": { "type": "string" }
      },
      "additionalProperties": true
    }
  },
  "additionalProperties": true
}`

const toolOutputDeltaSchema = `{
  "type": "object",
  "required": ["toolCallId", "chunk"],
  "properties": {
    "toolCallId": { "type": "string", "minLength": 1 },
    "chunk": { "type": "string" }
  },
  "additionalProperties": true
}`

const interruptSchema = `{
  "type": "object",
  "required": ["reason"],
  "properties": {
    "reason": { "enum": ["user_cancel", "timeout", "error"] }
  },
  "additionalProperties": true
}`

const summaryMessageSchema = `{
  "type": "object",
  "required": ["text", "summaryType"],
  "properties": {
    "text": { "type": "string" },
    "summaryType": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`
