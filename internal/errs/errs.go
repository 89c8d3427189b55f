/*
   hkpstore - OpenPGP key store and refresh engine
   Copyright (C) 2024  hkpstore contributors

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as published by
   the Free Software Foundation, version 3.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package errs defines the small error taxonomy that crosses the store
// service's API boundary. Internally the storage and store packages use
// github.com/pkg/errors to attach stack traces and causes; callers
// outside those packages only ever see one of the Kind values here.
package errs

import (
	"fmt"

	"hkpstore/internal/policy"
)

// Kind discriminates the errors surfaced across the service boundary.
type Kind int

const (
	Unspecified Kind = iota
	NotFound
	Conflict
	SystemError
	MalformedTPK
	MalformedFingerprint
	NetworkPolicyViolation
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case Conflict:
		return "Conflict"
	case SystemError:
		return "SystemError"
	case MalformedTPK:
		return "MalformedTPK"
	case MalformedFingerprint:
		return "MalformedFingerprint"
	case NetworkPolicyViolation:
		return "NetworkPolicyViolation"
	default:
		return "Unspecified"
	}
}

// Error is the single error type returned across the store service's
// public operations.
type Error struct {
	Kind   Kind
	Policy policy.Policy // meaningful when Kind == NetworkPolicyViolation
	cause  error
}

func (e *Error) Error() string {
	if e.Kind == NetworkPolicyViolation {
		return fmt.Sprintf("%s(%s)", e.Kind, e.Policy)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	return e.Kind.String()
}

// Unwrap exposes the underlying cause, if any, to errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind wrapping cause (which may be nil).
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: cause}
}

// PolicyViolation builds a NetworkPolicyViolation error carrying the
// store's actual policy.
func PolicyViolation(storePolicy policy.Policy) *Error {
	return &Error{Kind: NetworkPolicyViolation, Policy: storePolicy}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if as(err, &e) {
		return e.Kind == kind
	}
	return false
}

func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
