package models

// PushRequest is the body of a push fan-out invocation. ReceiveID is the
// field name used by the database webhook; RecipientID wins when both are set.
type PushRequest struct {
	MessageID   string `json:"messageId"`
	RecipientID string `json:"recipientId,omitempty"`
	ReceiveID   string `json:"receiveId,omitempty"`
}

func (r PushRequest) Recipient() string {
	if r.RecipientID != "" {
		return r.RecipientID
	}
	return r.ReceiveID
}

type PushToken struct {
	UserID string `json:"user_id"`
	Token  string `json:"expo_push_token"`
}

// PushMessage is one entry of an Expo push batch.
type PushMessage struct {
	To    string            `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
	Sound string            `json:"sound,omitempty"`
}

// PushTicket is the per-message receipt returned by the gateway.
type PushTicket struct {
	Status  string         `json:"status"`
	ID      string         `json:"id,omitempty"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

type PushGatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type DispatchResult struct {
	Data   []PushTicket       `json:"data"`
	Errors []PushGatewayError `json:"errors,omitempty"`
}

type PushResponse struct {
	OK             bool            `json:"ok"`
	Reason         string          `json:"reason,omitempty"`
	Error          string          `json:"error,omitempty"`
	DispatchResult *DispatchResult `json:"dispatchResult,omitempty"`
}
