// Copyright 2022 The CodeDuel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

// Error codes carried on the error event. Validation failures are confined
// to the offending connection and never alter match state.
const (
	ErrorCodeBadRequest          = "bad_request"
	ErrorCodeUnrecognizedPayload = "unrecognized_payload"
	ErrorCodeUnauthorized        = "unauthorized"
	ErrorCodeNotFound            = "not_found"
	ErrorCodeFull                = "full"
	ErrorCodePrivateDenied       = "private_denied"
	ErrorCodeAlreadyInMatch      = "already_in_match"
	ErrorCodeAlreadyQueued       = "already_queued"
	ErrorCodeNotInMatch          = "not_in_match"
	ErrorCodeWrongState          = "wrong_state"
	ErrorCodeInvalidSubmission   = "invalid_submission"
	ErrorCodeRateLimited         = "rate_limited"
	ErrorCodeHintLimit           = "hint_limit"
	ErrorCodeHintUnavailable     = "hint_unavailable"
	ErrorCodeMatchCapacity       = "match_capacity"
	ErrorCodeInternal            = "internal"
)

// RuntimeError pairs a wire error code with a human-readable message so a
// handler failure can be surfaced to exactly the connection that caused it.
type RuntimeError struct {
	Code    string
	Message string
}

func (e *RuntimeError) Error() string {
	return e.Message
}

// NewRuntimeError returns a RuntimeError with the given code and message.
func NewRuntimeError(code, message string) *RuntimeError {
	return &RuntimeError{Code: code, Message: message}
}

// Shared sentinel errors. Handlers compare against these directly.
var (
	ErrMatchNotFound     = NewRuntimeError(ErrorCodeNotFound, "match not found")
	ErrMatchFull         = NewRuntimeError(ErrorCodeFull, "match full")
	ErrMatchPrivate      = NewRuntimeError(ErrorCodePrivateDenied, "match is private")
	ErrMatchWrongState   = NewRuntimeError(ErrorCodeWrongState, "operation not valid in current match state")
	ErrNotInMatch        = NewRuntimeError(ErrorCodeNotInMatch, "player is not in this match")
	ErrAlreadyInMatch    = NewRuntimeError(ErrorCodeAlreadyInMatch, "player is already in an active match")
	ErrAlreadyQueued     = NewRuntimeError(ErrorCodeAlreadyQueued, "player already has an active matchmaking ticket")
	ErrMatchCapacity     = NewRuntimeError(ErrorCodeMatchCapacity, "match capacity reached on this node")
	ErrSessionQueueFull  = NewRuntimeError(ErrorCodeInternal, "session outgoing queue full")
	ErrMatchCallShedding = NewRuntimeError(ErrorCodeInternal, "match is busy, try again")
)
