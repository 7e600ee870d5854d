package gateway

import "testing"

func TestValidateFrame(t *testing.T) {
	valid := []string{
		`{"processId": "p1", "event": {"type": "message_delta", "content": "hi"}}`,
		`{"processId": "p1", "event": {"type": "custom_thing", "unknown_field": 1}}`,
	}
	for _, frame := range valid {
		if err := validateFrame([]byte(frame)); err != nil {
			t.Errorf("valid frame rejected: %v\n%s", err, frame)
		}
	}

	invalid := []string{
		`not json`,
		`{"event": {"type": "message_delta"}}`,
		`{"processId": "", "event": {"type": "message_delta"}}`,
		`{"processId": "p1"}`,
		`{"processId": "p1", "event": {"type": ""}}`,
		`{"processId": "p1", "event": {}}`,
	}
	for _, frame := range invalid {
		if err := validateFrame([]byte(frame)); err == nil {
			t.Errorf("invalid frame accepted: %s", frame)
		}
	}
}
