package assistant

import (
	"encoding/json"

	"github.com/cocovolare/concierge/pkg/assistants"
)

// ToolSchemas declares the CRM functions the assistant may call during a
// run. Names must match the Hub bridge routing table.
func ToolSchemas() []assistants.Tool {
	return []assistants.Tool{
		fn("create_lead", "Create a new lead in the CRM for this traveler", `{
			"type": "object",
			"properties": {
				"name": {"type": "string", "description": "Traveler full name"},
				"tripTitle": {"type": "string"},
				"budget": {"type": "number"},
				"notes": {"type": "string"}
			},
			"required": ["name"]
		}`),
		fn("update_lead", "Update fields on an existing CRM lead", `{
			"type": "object",
			"properties": {
				"leadId": {"type": "integer"},
				"fields": {"type": "object"}
			},
			"required": ["leadId", "fields"]
		}`),
		fn("attach_contact", "Attach contact details to a lead", `{
			"type": "object",
			"properties": {
				"leadId": {"type": "integer"},
				"email": {"type": "string"},
				"phone": {"type": "string"}
			},
			"required": ["leadId"]
		}`),
		fn("attach_note", "Attach a free-form note to a lead", `{
			"type": "object",
			"properties": {
				"leadId": {"type": "integer"},
				"text": {"type": "string"}
			},
			"required": ["leadId", "text"]
		}`),
		fn("attach_transcript", "Attach the conversation transcript to a lead", `{
			"type": "object",
			"properties": {
				"leadId": {"type": "integer"},
				"transcript": {"type": "string"}
			},
			"required": ["leadId", "transcript"]
		}`),
	}
}

func fn(name, description, params string) assistants.Tool {
	return assistants.Tool{
		Type: "function",
		Function: assistants.Function{
			Name:        name,
			Description: description,
			Parameters:  json.RawMessage(params),
		},
	}
}
