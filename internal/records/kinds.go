// Declares the collections and the typed shape of each known record kind.

package records

import (
	"encoding/json"
	"strings"
)

// Collection names a set of records backed by one document.
type Collection struct {
	// Name is the document base name and the URL segment.
	Name string
	// Prefix is prepended to generated ids.
	Prefix string
	// Label is used in commit messages.
	Label string
	// Defaults are merged under caller supplied fields on append.
	Defaults Fields
	// StatusTracked collections accept status updates by id.
	StatusTracked bool
	// Input is the typed input shape, nil for free-form collections.
	Input any
}

// Collections.
var (
	Workers = Collection{
		Name: "workers", Prefix: "WORKER", Label: "worker",
		Defaults: Fields{"status": "available"},
		Input:    &Worker{},
	}
	Chats = Collection{
		Name: "chats", Prefix: "CHAT", Label: "chat booking",
		Defaults:      Fields{"status": "Pending", "workerAssigned": ""},
		StatusTracked: true,
		Input:         &ChatBooking{},
	}
	Calls = Collection{
		Name: "calls", Prefix: "CALL", Label: "call log",
	}
	Signups = Collection{
		Name: "signups", Prefix: "SIGNUP", Label: "signup",
		Defaults:      Fields{"status": "Pending Review"},
		StatusTracked: true,
		Input:         &Signup{},
	}
	Leads = Collection{
		Name: "leads", Prefix: "LEAD", Label: "lead",
		Defaults:      Fields{"status": "New"},
		StatusTracked: true,
		Input:         &Lead{},
	}
	ChatQA = Collection{
		Name: "chat_qa", Prefix: "QA", Label: "chat Q&A",
		Input: &ChatQuestion{},
	}
	ChatSessions = Collection{
		Name: "chat_sessions", Prefix: "SESSION", Label: "chat session",
	}
)

var all = []Collection{Workers, Chats, Calls, Signups, Leads, ChatQA, ChatSessions}

// All returns every collection in a stable order.
func All() []Collection {
	out := make([]Collection, len(all))
	copy(out, all)
	return out
}

// Lookup returns the collection with the given name.
func Lookup(name string) (Collection, bool) {
	for _, c := range all {
		if c.Name == name {
			return c, true
		}
	}
	return Collection{}, false
}

// ForID returns the collection whose prefix the id carries.
func ForID(id string) (Collection, bool) {
	prefix, _, ok := strings.Cut(id, "-")
	if !ok {
		return Collection{}, false
	}
	prefix = strings.ToUpper(prefix)
	for _, c := range all {
		if c.Prefix == prefix {
			return c, true
		}
	}
	return Collection{}, false
}

// ChatBooking is a booking request made through the chat widget.
type ChatBooking struct {
	CustomerName    string `json:"customerName" validate:"required,max=200" jsonschema:"description=Customer full name"`
	CustomerPhone   string `json:"customerPhone" validate:"required,min=6,max=20" jsonschema:"description=Customer phone number"`
	Service         string `json:"service" validate:"required,max=100" jsonschema:"description=Requested service, e.g. AC Repair"`
	PreferredWorker string `json:"preferredWorker,omitempty" validate:"max=200"`
	Address         string `json:"address,omitempty" validate:"max=500"`
	PreferredTime   string `json:"preferredTime,omitempty" validate:"max=100"`
	Notes           string `json:"notes,omitempty" validate:"max=2000"`
}

// Signup is a professional asking to join the marketplace.
type Signup struct {
	Name       string `json:"name" validate:"required,max=200"`
	Phone      string `json:"phone" validate:"required,min=6,max=20"`
	Service    string `json:"service" validate:"required,max=100" jsonschema:"description=Trade offered"`
	Area       string `json:"area,omitempty" validate:"max=200" jsonschema:"description=Neighbourhood or city served"`
	Experience string `json:"experience,omitempty" validate:"max=100"`
	Email      string `json:"email,omitempty" validate:"omitempty,email"`
	Notes      string `json:"notes,omitempty" validate:"max=2000"`
}

// Worker is an approved professional that can be assigned to bookings.
type Worker struct {
	Name       string  `json:"name" validate:"required,max=200"`
	Phone      string  `json:"phone" validate:"required,min=6,max=20"`
	Service    string  `json:"service" validate:"required,max=100"`
	Area       string  `json:"area,omitempty" validate:"max=200"`
	Experience string  `json:"experience,omitempty" validate:"max=100"`
	Rating     float64 `json:"rating,omitempty" validate:"gte=0,lte=5"`
	Status     string  `json:"status,omitempty" validate:"omitempty,oneof=available busy inactive" jsonschema:"enum=available,enum=busy,enum=inactive"`
}

// Lead is a contact captured before any booking exists.
type Lead struct {
	Name    string `json:"name,omitempty" validate:"max=200"`
	Phone   string `json:"phone" validate:"required,min=6,max=20"`
	Service string `json:"service,omitempty" validate:"max=100"`
	Message string `json:"message,omitempty" validate:"max=2000"`
	Source  string `json:"source,omitempty" validate:"max=100" jsonschema:"description=Page or campaign the lead came from"`
}

// ChatQuestion is one question/answer exchange of the chat assistant.
type ChatQuestion struct {
	SessionID string `json:"sessionId,omitempty" validate:"max=100"`
	Question  string `json:"question" validate:"required,max=4000"`
	Answer    string `json:"answer,omitempty" validate:"max=8000"`
}

// FieldsOf converts a typed input into record fields using its JSON names.
// Empty optional fields are dropped by their omitempty tags.
func FieldsOf(v any) (Fields, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var f Fields
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f, nil
}
