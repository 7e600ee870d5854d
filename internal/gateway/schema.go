package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Inbound frames are validated against the envelope schema before any
// routing: a frame must carry a non-empty processId and a typed event.
// Event payloads stay open; containers ship fields the controller does
// not know about and the history must preserve them.
const frameSchema = `{
  "type": "object",
  "required": ["processId", "event"],
  "properties": {
    "processId": {"type": "string", "minLength": 1},
    "event": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {"type": "string", "minLength": 1}
      }
    }
  }
}`

type frameSchemaRegistry struct {
	once     sync.Once
	initErr  error
	envelope *jsonschema.Schema
}

var frameSchemas frameSchemaRegistry

func initFrameSchema() error {
	frameSchemas.once.Do(func() {
		schema, err := jsonschema.CompileString("magi_frame", frameSchema)
		if err != nil {
			frameSchemas.initErr = err
			return
		}
		frameSchemas.envelope = schema
	})
	return frameSchemas.initErr
}

// validateFrame checks a raw inbound frame against the envelope schema.
func validateFrame(raw []byte) error {
	if err := initFrameSchema(); err != nil {
		return err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("frame is not JSON: %w", err)
	}
	if err := frameSchemas.envelope.Validate(payload); err != nil {
		return fmt.Errorf("invalid frame: %w", err)
	}
	return nil
}
