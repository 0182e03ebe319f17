package work

import "time"

// Kind identifies which control-plane resource an [Item] came from.
type Kind string

const (
	// KindTest is a conversational test answered by the completion capability.
	KindTest Kind = "test"

	// KindConnectionTest is a single-prompt liveness check issued by the control plane.
	KindConnectionTest Kind = "connection_test"

	// KindRiskEvaluation asks a judge whether a recorded response triggers a risk.
	KindRiskEvaluation Kind = "risk_evaluation"
)

// Message roles used in a transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Item is one unit of work discovered on the control plane.
//
// Item is passed by value; a worker owns its copy for the whole of its
// processing.
type Item struct {
	// ID is unique within its Kind on the control plane.
	ID string

	Kind Kind

	// ExperimentID scopes tests and risk evaluations. Empty for connection tests.
	ExperimentID string

	// Prompt is the user message for this turn.
	Prompt string

	// Response is the recorded bot response. Set on ancestors fetched during a
	// chain walk and on risk evaluations, empty on pending tests.
	Response string

	// ParentID links a multi-turn test to the previous turn. Empty on the root.
	ParentID string

	// RoutingKey selects the persistent channel that should carry this item.
	// Empty means no channel routing.
	RoutingKey string

	Persona string

	// RiskName is set on risk evaluations.
	RiskName string

	Metadata map[string]string
}

// Key returns the identity used for in-flight deduplication.
//
// Tests keep their bare id. Other kinds live in separate id spaces on the
// control plane, so their key is prefixed with the kind (and risk name).
func (i Item) Key() string {
	switch i.Kind {
	case KindConnectionTest:
		return string(KindConnectionTest) + "/" + i.ID
	case KindRiskEvaluation:
		return string(KindRiskEvaluation) + "/" + i.RiskName + "/" + i.ID
	default:
		return i.ID
	}
}

// Filter selects which pending items [Remote.ListPending] returns.
type Filter struct {
	Kind Kind

	// ExperimentID restricts discovery to a single experiment when set.
	ExperimentID string

	// Risk is required for KindRiskEvaluation.
	Risk string
}

// Message is one turn of a reconstructed conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Judgement is the verdict returned by a risk judge.
type Judgement struct {
	Triggered     bool     `json:"triggered"`
	Justification string   `json:"justification"`
	Tags          []string `json:"tags,omitempty"`
}

// Report is the success payload sent back for an item.
type Report struct {
	ID       string `json:"id"`
	AppID    string `json:"appId"`
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
	Persona  string `json:"persona"`

	// Judgement is set only for risk evaluations.
	Judgement *Judgement `json:"-"`

	CompletedAt time.Time `json:"-"`
}
