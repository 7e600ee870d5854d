package models

// Conversation item types.
const (
	ItemMessage            = "message"
	ItemFunctionCall       = "function_call"
	ItemFunctionCallOutput = "function_call_output"
	ItemThinking           = "thinking"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleDeveloper = "developer"
)

// ConversationItem is one canonical history entry. Every function_call is
// eventually matched by exactly one function_call_output with the same
// CallID, appended after it.
type ConversationItem struct {
	Type      string `json:"type"`
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

// NewMessage builds a plain message history item.
func NewMessage(role, content string) ConversationItem {
	return ConversationItem{Type: ItemMessage, Role: role, Content: content}
}

// NewFunctionCall builds a function_call history item.
func NewFunctionCall(callID, name, arguments string) ConversationItem {
	return ConversationItem{Type: ItemFunctionCall, CallID: callID, Name: name, Arguments: arguments}
}

// NewFunctionCallOutput builds a function_call_output history item.
func NewFunctionCallOutput(callID, name, output string) ConversationItem {
	return ConversationItem{Type: ItemFunctionCallOutput, CallID: callID, Name: name, Output: output}
}

// NewThinking builds a thinking history item.
func NewThinking(content string) ConversationItem {
	return ConversationItem{Type: ItemThinking, Content: content}
}
