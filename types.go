package simrunner

import (
	"context"
	"time"

	"github.com/jpalmerr/simrunner/internal/work"
)

// Kind identifies what a work item asks for.
type Kind = work.Kind

const (
	// KindTest is a simulated user turn that needs an application response.
	KindTest = work.KindTest

	// KindConnectionTest is a single-prompt probe used to verify that the
	// runner can reach the application.
	KindConnectionTest = work.KindConnectionTest

	// KindRiskEvaluation asks a judge whether an existing response exhibits
	// a named risk.
	KindRiskEvaluation = work.KindRiskEvaluation
)

// Message is one turn of a reconstructed conversation. Role is "user" or
// "assistant".
type Message = work.Message

// Judgement is the verdict of a risk [Judge].
type Judgement = work.Judgement

// Input is what a [Completer] receives for one item.
type Input struct {
	// ItemID is the control plane id of the test or connection test.
	ItemID string

	Kind         Kind
	ExperimentID string

	// RoutingKey identifies the conversation the item belongs to: the id of
	// the first test in its chain.
	RoutingKey string

	Persona string

	// Messages is the full transcript, oldest first, ending with the user
	// turn to answer.
	Messages []Message

	Metadata map[string]string
}

// LastUserMessage returns the content of the final user turn.
func (in Input) LastUserMessage() string {
	for i := len(in.Messages) - 1; i >= 0; i-- {
		if in.Messages[i].Role == work.RoleUser {
			return in.Messages[i].Content
		}
	}
	return ""
}

// Completer produces the application's answer to a conversation.
//
// Complete is called concurrently from worker goroutines and must be safe
// for concurrent use. A returned error, or a panic, marks the item failed.
type Completer interface {
	Complete(ctx context.Context, in Input) (string, error)
}

// CompleterFunc adapts a function to [Completer].
type CompleterFunc func(ctx context.Context, in Input) (string, error)

// Complete calls f(ctx, in).
func (f CompleterFunc) Complete(ctx context.Context, in Input) (string, error) {
	return f(ctx, in)
}

// Judge evaluates an exchange for one risk.
//
// Judge is called concurrently and must be safe for concurrent use.
type Judge interface {
	Judge(ctx context.Context, prompt, response string) (Judgement, error)
}

// JudgeFunc adapts a function to [Judge].
type JudgeFunc func(ctx context.Context, prompt, response string) (Judgement, error)

// Judge calls f(ctx, prompt, response).
func (f JudgeFunc) Judge(ctx context.Context, prompt, response string) (Judgement, error) {
	return f(ctx, prompt, response)
}

// Outcome describes how one item finished. It is delivered to callbacks
// registered with [WithOutcomeCallback].
type Outcome struct {
	ItemID       string
	Kind         Kind
	ExperimentID string
	RoutingKey   string

	// RiskName is set for risk evaluations.
	RiskName string

	// Response is the produced answer. Empty on failure.
	Response string

	// Judgement is set for successful risk evaluations.
	Judgement *Judgement

	// Err is nil when the item completed and was reported.
	Err error

	Duration   time.Duration
	FinishedAt time.Time
}

// Succeeded reports whether the item completed without error.
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// ChannelConfig routes tests over persistent per-conversation connections
// instead of calling the [Completer] directly. The Completer remains the
// fallback when a connection cannot be obtained or fails.
type ChannelConfig struct {
	// URL is the chat WebSocket endpoint.
	URL string

	// AuthURL issues access tokens for new connections. Optional.
	AuthURL    string
	AuthAPIKey string

	// Headers are sent with the upgrade and authorize requests.
	Headers map[string]string

	// Page is echoed in every envelope. Defaults to "vdp".
	Page string

	// MaxConnections defaults to 4.
	MaxConnections int

	// IdleTimeout defaults to 5 minutes.
	IdleTimeout time.Duration

	// ReplyTimeout bounds one exchange. Defaults to 2 minutes.
	ReplyTimeout time.Duration

	// AcquireTimeout bounds the wait for a free connection before falling
	// back to the Completer. Defaults to 30 seconds; negative waits until
	// the runner stops.
	AcquireTimeout time.Duration
}

// IsFatal reports whether err, as returned by [Runner.Start], means the
// runner cannot make progress without operator action, such as rejected
// credentials or an exhausted retry budget.
func IsFatal(err error) bool {
	return work.IsFatal(err)
}
