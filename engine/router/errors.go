package router

import "errors"

var (
	// ErrInvalidParameters marks a parameter mapping the router refuses to
	// forward (oversized or unserialisable).
	ErrInvalidParameters = errors.New("invalid submission parameters")
	// ErrSubmitFailed marks a submission the endpoint did not accept; the
	// stored record stays FAILED with the driver reason.
	ErrSubmitFailed = errors.New("submission dispatch failed")
	// ErrContended marks a selective update that kept losing the version
	// race after all retries.
	ErrContended = errors.New("submission update contended")
)
