package domain

// Alexa request types.
const (
	RequestLaunch       = "LaunchRequest"
	RequestIntent       = "IntentRequest"
	RequestSessionEnded = "SessionEndedRequest"

	FallbackIntent = "AMAZON.FallbackIntent"
)

// AlexaRequest is the skill request envelope.
type AlexaRequest struct {
	Version string       `json:"version" validate:"required"`
	Session AlexaSession `json:"session" validate:"required"`
	Request RequestBody  `json:"request" validate:"required"`
}

// AlexaSession describes the conversation.
type AlexaSession struct {
	New         bool           `json:"new"`
	SessionID   string         `json:"sessionId" validate:"required"`
	Application Application    `json:"application" validate:"required"`
	User        User           `json:"user" validate:"required"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// Application identifies the skill.
type Application struct {
	ApplicationID string `json:"applicationId" validate:"required"`
}

// User identifies the Alexa account.
type User struct {
	UserID string `json:"userId" validate:"required"`
}

// RequestBody is the request part of the envelope.
type RequestBody struct {
	Type      string  `json:"type" validate:"required,oneof=LaunchRequest IntentRequest SessionEndedRequest"`
	RequestID string  `json:"requestId" validate:"required"`
	Timestamp string  `json:"timestamp" validate:"required"`
	Locale    string  `json:"locale,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	Intent    *Intent `json:"intent,omitempty"`
}

// Intent is a recognized intent with slots.
type Intent struct {
	Name               string          `json:"name" validate:"required"`
	ConfirmationStatus string          `json:"confirmationStatus,omitempty"`
	Slots              map[string]Slot `json:"slots,omitempty"`
}

// Slot is one intent argument.
type Slot struct {
	Name               string `json:"name"`
	Value              string `json:"value,omitempty"`
	ConfirmationStatus string `json:"confirmationStatus,omitempty"`
}

// SlotValue returns a slot's value or empty.
func (i *Intent) SlotValue(name string) string {
	if i == nil {
		return ""
	}
	return i.Slots[name].Value
}

// AlexaResponse is the skill response envelope.
type AlexaResponse struct {
	Version           string         `json:"version"`
	SessionAttributes map[string]any `json:"sessionAttributes,omitempty"`
	Response          ResponseBody   `json:"response"`
}

// ResponseBody carries speech and session control.
type ResponseBody struct {
	OutputSpeech     *OutputSpeech `json:"outputSpeech,omitempty"`
	Reprompt         *Reprompt     `json:"reprompt,omitempty"`
	ShouldEndSession bool          `json:"shouldEndSession"`
}

// OutputSpeech is plain-text speech.
type OutputSpeech struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Reprompt is spoken when the user stays silent.
type Reprompt struct {
	OutputSpeech OutputSpeech `json:"outputSpeech"`
}

// Speak builds a response ending the session.
func Speak(text string) AlexaResponse {
	return AlexaResponse{
		Version: "1.0",
		Response: ResponseBody{
			OutputSpeech:     &OutputSpeech{Type: "PlainText", Text: text},
			ShouldEndSession: true,
		},
	}
}

// Ask builds a response keeping the session open with a reprompt.
func Ask(text, reprompt string) AlexaResponse {
	resp := Speak(text)
	resp.Response.ShouldEndSession = false
	if reprompt != "" {
		resp.Response.Reprompt = &Reprompt{OutputSpeech: OutputSpeech{Type: "PlainText", Text: reprompt}}
	}
	return resp
}

// Empty builds a response with no speech.
func Empty() AlexaResponse {
	return AlexaResponse{Version: "1.0", Response: ResponseBody{ShouldEndSession: true}}
}
