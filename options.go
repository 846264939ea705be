// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import (
	"log/slog"
	"time"

	"github.com/luxfi/framerpc/clock"
)

// Handshake and relay search defaults.
const (
	DefaultSetupTimeout       = 500 * time.Millisecond
	DefaultSetupMaxTries      = 10
	DefaultRelaySearchTimeout = 500 * time.Millisecond
	DefaultRelayMaxPolls      = 10
)

// Option configures a Router
type Option func(*options)

type options struct {
	clock              clock.Clock
	logger             *slog.Logger
	codec              Codec
	transport          TransportCode // "" selects from capabilities
	securityMode       SecurityMode
	onViolation        SecurityCallback
	setupTimeout       time.Duration
	setupMaxTries      int
	relaySearchTimeout time.Duration
	relayMaxPolls      int
	parentRelayURL     string
	parentLegacy       bool
	parentToken        string
	forceSecure        bool
}

func defaultOptions() *options {
	return &options{
		setupTimeout:       DefaultSetupTimeout,
		setupMaxTries:      DefaultSetupMaxTries,
		relaySearchTimeout: DefaultRelaySearchTimeout,
		relayMaxPolls:      DefaultRelayMaxPolls,
	}
}

// WithClock sets the clock driving deferred work (default clock.Real()).
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the structured logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCodec sets the codec used on byte-oriented ports
func WithCodec(c Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithTransport bypasses capability selection
func WithTransport(code TransportCode) Option {
	return func(o *options) { o.transport = code }
}

// WithSecurityMode chooses whether forged envelopes are still dispatched.
func WithSecurityMode(m SecurityMode) Option {
	return func(o *options) { o.securityMode = m }
}

// WithSecurityCallback receives security violations.
func WithSecurityCallback(cb SecurityCallback) Option {
	return func(o *options) { o.onViolation = cb }
}

// WithSetupRetry sets the handshake attempt spacing and the number of
// retries after the first attempt.
func WithSetupRetry(timeout time.Duration, maxTries int) Option {
	return func(o *options) {
		o.setupTimeout = timeout
		o.setupMaxTries = maxTries
	}
}

// WithRelaySearch sets the relay counterpart discovery poll.
func WithRelaySearch(timeout time.Duration, maxPolls int) Option {
	return func(o *options) {
		o.relaySearchTimeout = timeout
		o.relayMaxPolls = maxPolls
	}
}

// WithParentRelayURL configures the parent relay explicitly. A relative
// url is resolved against the "parent" parameter of the router's
// location. legacy switches the default transport to invisible-frame
// polling with positional encoding.
func WithParentRelayURL(url string, legacy bool) Option {
	return func(o *options) {
		o.parentRelayURL = url
		o.parentLegacy = legacy
	}
}

// WithParentToken sets the token used for the parent handshake when the
// location carries none.
func WithParentToken(token string) Option {
	return func(o *options) { o.parentToken = token }
}

// WithForceSecure forces origin verification for the parent handshake.
func WithForceSecure(forceSecure bool) Option {
	return func(o *options) { o.forceSecure = forceSecure }
}

// ReceiverOption configures SetupReceiver
type ReceiverOption func(*receiverOptions)

type receiverOptions struct {
	relayURL    string
	token       string
	hasToken    bool
	forceSecure bool
}

// WithRelayURL overrides the relay URL of the receiver.
func WithRelayURL(url string) ReceiverOption {
	return func(o *receiverOptions) { o.relayURL = url }
}

// WithAuthToken overrides the receiver's auth token.
func WithAuthToken(token string) ReceiverOption {
	return func(o *receiverOptions) {
		o.token = token
		o.hasToken = true
	}
}

// WithReceiverForceSecure forces origin verification for the receiver.
func WithReceiverForceSecure(forceSecure bool) ReceiverOption {
	return func(o *receiverOptions) { o.forceSecure = forceSecure }
}
