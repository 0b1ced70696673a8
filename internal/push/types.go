package push

// Message is one outbound push notification addressed to a single device
// token. Sound, Priority, and ChannelID are provider hints passed through
// untouched.
type Message struct {
	Token     string            `json:"to"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	Sound     string            `json:"sound,omitempty"`
	Priority  string            `json:"priority,omitempty"`
	ChannelID string            `json:"channelId,omitempty"`
}

// Outcome classifies the delivery result of a single message.
type Outcome string

const (
	// OutcomeDelivered means the provider accepted the message and issued a
	// provider message id.
	OutcomeDelivered Outcome = "delivered"
	// OutcomeTransient means delivery failed in a way likely to succeed on a
	// later attempt. No token action is required.
	OutcomeTransient Outcome = "transient"
	// OutcomePermanent means the provider reported the token or credentials
	// as invalid. Callers must deactivate the device token.
	OutcomePermanent Outcome = "permanent"
)

// Result is the per-message delivery outcome. ProviderMessageID is set only
// when delivered; ErrorCode carries the provider's error vocabulary entry
// (e.g. "DeviceNotRegistered") when present.
type Result struct {
	Token             string
	Outcome           Outcome
	ProviderMessageID string
	ErrorCode         string
	ErrorMessage      string
}

// Permanent provider error codes. A ticket carrying one of these means the
// token is dead and must never be retried.
const (
	errDeviceNotRegistered = "DeviceNotRegistered"
	errInvalidCredentials  = "InvalidCredentials"
)

func isPermanentProviderError(code string) bool {
	return code == errDeviceNotRegistered || code == errInvalidCredentials
}
