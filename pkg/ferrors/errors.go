// Package ferrors defines the typed error hierarchy used throughout the
// engine (spec §7). Transport-failure classification and the PASS/HANG/
// CRASH/LOGICAL_FAILURE/ANOMALY split in the fuzzing loop switch on Kind,
// never on error-string matching.
package ferrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the hierarchical error categories from spec §7.
type Kind string

const (
	// Configuration
	KindPlugin           Kind = "plugin"
	KindPluginLoad       Kind = "plugin_load"
	KindPluginValidation Kind = "plugin_validation"

	// Protocol
	KindParse              Kind = "parse"
	KindSerialization      Kind = "serialization"
	KindFieldValidation    Kind = "field_validation"

	// Transport
	KindConnectionRefused  Kind = "connection_refused"
	KindConnectionTimeout  Kind = "connection_timeout"
	KindSend               Kind = "send"
	KindReceive            Kind = "receive"
	KindReceiveTimeout     Kind = "receive_timeout"
	KindTransport          Kind = "transport"

	// Session
	KindSessionNotFound        Kind = "session_not_found"
	KindSessionState           Kind = "session_state"
	KindSessionInitialization  Kind = "session_initialization"
	KindSessionLimit           Kind = "session_limit"

	// Corpus
	KindSeedNotFound    Kind = "seed_not_found"
	KindCorpusStorage   Kind = "corpus_storage"
	KindFindingSave     Kind = "finding_save"

	// Mutation
	KindMutatorNotFound Kind = "mutator_not_found"
	KindMutationFailed  Kind = "mutation_failed"

	// Stateful
	KindStateTransition Kind = "state_transition"
	KindStateNotFound   Kind = "state_not_found"

	// Resource
	KindMemoryLimit Kind = "memory_limit"
	KindRateLimit   Kind = "rate_limit"
	KindQueueFull   Kind = "queue_full"

	// Agent
	KindAgentNotFound      Kind = "agent_not_found"
	KindAgentCommunication Kind = "agent_communication"
	KindAgentTimeout       Kind = "agent_timeout"

	// Orchestration
	KindBootstrap           Kind = "bootstrap"
	KindBootstrapValidation Kind = "bootstrap_validation"
	KindHeartbeatAbort      Kind = "heartbeat_abort"
	KindConnectionAbort     Kind = "connection_abort"

	// LogicalFailure is raised by a plugin validator to mark a response as
	// logically wrong without it being a parse/transport error.
	KindLogicalFailure Kind = "logical_failure"
	// Anomaly is raised by a plugin validator to mark an ambiguous response.
	KindAnomaly Kind = "anomaly"
)

// Error is the concrete error type carried by every kind above.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Cause   error
}

func New(kind Kind, message string, details map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Details: details}
}

func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err is a *Error of the given kind (directly or
// anywhere in its Unwrap chain).
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, ok=false if err is not a *Error.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}
