package shared

import "errors"

// Session start failures. Each one tears the attempt down; none is retried.
var (
	ErrCredentialUnavailable = errors.New("credential unavailable")
	ErrMediaAccessDenied     = errors.New("media access denied")
	ErrNoDeviceAvailable     = errors.New("no audio input device available")
	ErrNegotiationFailed     = errors.New("negotiation failed")
)

var (
	ErrUnauthorized          = errors.New("unauthorized")
	ErrForbidden             = errors.New("forbidden")
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoAPIKey              = errors.New("no API key provided")
	ErrNoFetcher             = errors.New("no credential fetcher provided")
	ErrNoAcquirer            = errors.New("no media acquirer provided")
	ErrNoPeerFactory         = errors.New("no peer connection factory provided")
	ErrSessionAlreadyRunning = errors.New("session already running")
	ErrSessionStopped        = errors.New("session stopped")
	ErrNoAudioTrack          = errors.New("no audio track in local stream")
)
