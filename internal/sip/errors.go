package sip

import "errors"

// Admission errors. Rejections at the front door before a leg exists.
var (
	ErrCallCeiling   = errors.New("session ceiling reached")
	ErrMissingHeader = errors.New("missing mandatory header")
	ErrACLDenied     = errors.New("source address denied by acl")
	ErrRateLimited   = errors.New("admission rate exceeded")
)

// Auth errors.
var (
	ErrAuthRequired = errors.New("authentication required")
	ErrAuthFailed   = errors.New("authentication failed")
)

// Transfer errors.
var (
	ErrTransferForbidden = errors.New("transfer not permitted")
	ErrNoBridgePartner   = errors.New("no bridge partner")
	ErrTransferTarget    = errors.New("transfer target unresolvable")
)

// Lifecycle errors.
var (
	ErrStaleLeg        = errors.New("stale leg reference")
	ErrProfileShutdown = errors.New("profile shutting down")
	ErrNoTransaction   = errors.New("no transaction to respond on")
	ErrHandleBound     = errors.New("handle already bound")
)
