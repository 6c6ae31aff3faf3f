// Package stage implements the bootstrap / fuzz_target / teardown stage
// runner of spec §4.7: it serializes a stage's message from defaults and
// context, sends it, validates the response against `expect`, and copies
// `exports` into the session's ProtocolContext.
package stage

import (
	"github.com/google/protofuzz/pkg/protocol"
)

// Role is where in the pipeline a Stage executes.
type Role string

const (
	RoleBootstrap  Role = "bootstrap"
	RoleFuzzTarget Role = "fuzz_target"
	RoleTeardown   Role = "teardown"
)

// RetryConfig controls how Bootstrap stages retry on expect mismatch or
// transport failure.
type RetryConfig struct {
	MaxAttempts int
	BackoffMs   int
}

func (r RetryConfig) maxAttempts() int {
	if r.MaxAttempts > 0 {
		return r.MaxAttempts
	}
	return 1
}

func (r RetryConfig) backoffMs() int {
	if r.BackoffMs > 0 {
		return r.BackoffMs
	}
	return 200
}

// ExportSpec copies one field of a stage's parsed response into the
// session's ProtocolContext, optionally transformed first.
type ExportSpec struct {
	From      string // dotted path into the parsed response, e.g. "header.token"
	To        string
	Transform []protocol.TransformOp
}

// Stage is one entry of a plugin's protocol_stack.
type Stage struct {
	Name          string
	Role          Role
	DataModel     *protocol.DataModel
	ResponseModel *protocol.DataModel
	Exports       []ExportSpec
	Expect        map[string]any
	Retry         RetryConfig
}
