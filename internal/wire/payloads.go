package wire

import (
	"encoding/json"
	"fmt"
)

// AuthenticatePayload is sent once, immediately after the socket opens.
type AuthenticatePayload struct {
	AgentID string `json:"agentId"`
	APIKey  string `json:"apiKey"`
}

// HeartbeatPayload is the periodic liveness ping.
type HeartbeatPayload struct {
	AgentID       string `json:"agentId"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	MemoryUsageMb int64  `json:"memoryUsageMb"`
}

// StatusReportPayload announces lifecycle changes to the server.
type StatusReportPayload struct {
	AgentID string `json:"agentId"`
	Status  Status `json:"status"`
	Version string `json:"version"`
}

// SpendRequestPayload asks the server to authorize a spend.
type SpendRequestPayload struct {
	RequestID        string        `json:"requestId"`
	AmountCents      int64         `json:"amountCents"`
	Currency         string        `json:"currency"`
	Category         SpendCategory `json:"category"`
	Rail             SpendRail     `json:"rail"`
	Vendor           string        `json:"vendor,omitempty"`
	Description      string        `json:"description"`
	RecipientAgentID string        `json:"recipientAgentId,omitempty"`
	RecipientAddress string        `json:"recipientAddress,omitempty"`
}

// AuthenticatedPayload confirms the session is authenticated.
type AuthenticatedPayload struct {
	AgentID       string `json:"agentId"`
	ServerVersion string `json:"serverVersion"`
}

// AuthErrorPayload reports a credential failure.
type AuthErrorPayload struct {
	Reason string `json:"reason"`
}

// SpendApprovedPayload resolves a spend request as approved.
type SpendApprovedPayload struct {
	RequestID             string `json:"requestId"`
	LedgerEntryID         string `json:"ledgerEntryId"`
	TransactionHash       string `json:"transactionHash,omitempty"`
	RemainingBalanceCents int64  `json:"remainingBalanceCents"`
}

// SpendDeniedPayload resolves a spend request as denied.
type SpendDeniedPayload struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason"`
	Code      string `json:"code"`
}

// CommandPayload is an out-of-band command from the server.
type CommandPayload struct {
	CommandID string         `json:"commandId"`
	Command   CommandName    `json:"command"`
	Params    map[string]any `json:"params,omitempty"`
}

// ParseCommand validates data against the command schema:
// {commandId: string, command: pause|resume|update_config|shutdown,
// params?: object}.
func ParseCommand(data json.RawMessage) (CommandPayload, error) {
	var shape struct {
		CommandID *string         `json:"commandId"`
		Command   *string         `json:"command"`
		Params    json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return CommandPayload{}, fmt.Errorf("%w: command: %v", ErrInvalidPayload, err)
	}
	if shape.CommandID == nil {
		return CommandPayload{}, fmt.Errorf("%w: command: missing commandId", ErrInvalidPayload)
	}
	if shape.Command == nil {
		return CommandPayload{}, fmt.Errorf("%w: command: missing command", ErrInvalidPayload)
	}
	name := CommandName(*shape.Command)
	if !name.Valid() {
		return CommandPayload{}, fmt.Errorf("%w: command: unknown command %q", ErrInvalidPayload, *shape.Command)
	}

	cmd := CommandPayload{CommandID: *shape.CommandID, Command: name}
	if len(shape.Params) > 0 {
		if isNull(shape.Params) {
			return CommandPayload{}, fmt.Errorf("%w: command: params must be an object", ErrInvalidPayload)
		}
		if err := json.Unmarshal(shape.Params, &cmd.Params); err != nil {
			return CommandPayload{}, fmt.Errorf("%w: command: params must be an object", ErrInvalidPayload)
		}
	}
	return cmd, nil
}

// ParseSpendApproved decodes and minimally validates an approval.
func ParseSpendApproved(data json.RawMessage) (SpendApprovedPayload, error) {
	var p SpendApprovedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("%w: spend_approved: %v", ErrInvalidPayload, err)
	}
	if p.RequestID == "" {
		return p, fmt.Errorf("%w: spend_approved: missing requestId", ErrInvalidPayload)
	}
	return p, nil
}

// ParseSpendDenied decodes and minimally validates a denial.
func ParseSpendDenied(data json.RawMessage) (SpendDeniedPayload, error) {
	var p SpendDeniedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("%w: spend_denied: %v", ErrInvalidPayload, err)
	}
	if p.RequestID == "" {
		return p, fmt.Errorf("%w: spend_denied: missing requestId", ErrInvalidPayload)
	}
	return p, nil
}
