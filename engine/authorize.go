// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package engine

import (
	"context"

	"opkit.org/opkit"
	"opkit.org/opkit/userop"
)

// ErrAuthorizationRejected is returned from Send when the authorizer turns
// the operation down. Rejection is terminal for the request.
const ErrAuthorizationRejected = opkit.ErrorKind("authorization rejected")

// Decision is an authorizer's verdict on a fully priced user operation.
type Decision uint8

const (
	Approved Decision = iota
	Rejected
)

// Authorizer approves or rejects user operations before they are signed.
// The operation presented is final, with gas limits, fees, and any paymaster
// sponsorship already in place, so the authorizer can show the user exactly
// what will be submitted. Authorize returns an error only when the approval
// surface itself fails. A user saying no is a Rejected Decision, not an
// error.
type Authorizer interface {
	Authorize(ctx context.Context, op *userop.UserOperation) (Decision, error)
}

// NullAuthorizer approves every operation without interaction.
type NullAuthorizer struct{}

var _ Authorizer = NullAuthorizer{}

func (NullAuthorizer) Authorize(context.Context, *userop.UserOperation) (Decision, error) {
	return Approved, nil
}

// ApprovalFunc adapts a plain function to the Authorizer interface, e.g. a
// UI prompt.
type ApprovalFunc func(ctx context.Context, op *userop.UserOperation) (Decision, error)

var _ Authorizer = ApprovalFunc(nil)

func (f ApprovalFunc) Authorize(ctx context.Context, op *userop.UserOperation) (Decision, error) {
	return f(ctx, op)
}
