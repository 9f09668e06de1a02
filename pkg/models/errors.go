package models

import "errors"

var (
	// ErrRecallUnavailable is recovered inside a turn; context falls back to empty.
	ErrRecallUnavailable = errors.New("recall unavailable")

	// ErrGenerationFailure aborts a turn without persisting anything.
	ErrGenerationFailure = errors.New("response generation failed")

	// ErrDispatchFailure is reported per channel and never aborts an escalation.
	ErrDispatchFailure = errors.New("alert dispatch failed")

	ErrChannelUnavailable = errors.New("alert channel unavailable")

	// ErrDeviceUnavailable prevents a live session from being registered.
	ErrDeviceUnavailable = errors.New("media device unavailable")

	// ErrSessionTaskFailure tears a live session down.
	ErrSessionTaskFailure = errors.New("live session task failed")

	ErrSessionNotFound = errors.New("live session not found")
)
