// Package oauth implements the three Kiro account-linking flows: social
// PKCE + loopback callback, AWS Builder ID device authorization, and IAM
// Identity Center device authorization. Each flow drives a
// store.OAuthSession through pending -> completed/error/expired/
// timeout/cancelled.
package oauth

import (
	"context"
	"errors"
	"net"
	"regexp"
	"time"
)

// startURLPattern validates caller-supplied Identity Center start URLs:
// either a directory-id subdomain (d-xxxx) or an org alias, always under
// awsapps.com/start.
var startURLPattern = regexp.MustCompile(`^https://(d-[a-z0-9]+|[a-z0-9-]+)\.awsapps\.com/start/?$`)

// allowedSSORegions is the set of regions an Identity Center flow may target.
var allowedSSORegions = map[string]bool{
	"us-east-1":      true,
	"us-east-2":      true,
	"us-west-2":      true,
	"eu-west-1":      true,
	"eu-central-1":   true,
	"ap-southeast-1": true,
	"ap-southeast-2": true,
	"ap-northeast-1": true,
}

// Loopback port range the social flow's local callback listener binds to,
// trying the next port on EADDRINUSE.
const (
	loopbackPortStart = 19876
	loopbackPortEnd   = 19880
)

// defaultSessionExpiry bounds how long a pending session is polled before it
// is marked expired.
const defaultSessionExpiry = 10 * time.Minute

// reaperSweepAfter is how long a terminal session lingers in the store
// before the reaper deletes it, giving the client a window to fetch the
// final status.
const reaperSweepAfter = 10 * time.Minute

// devicePollFloor is the minimum interval between device-flow polls,
// regardless of what the server's "interval" field requests.
const devicePollFloor = 5 * time.Second

// Sentinel errors surfaced by the AWS SSO-OIDC device flow poller; these
// mirror the error codes the CreateToken endpoint returns in its body while
// a user has not yet completed verification (RFC 8628 §3.5).
var (
	ErrAuthorizationPending = errors.New("authorization_pending")
	ErrSlowDown             = errors.New("slow_down")
	ErrExpiredToken         = errors.New("expired_token")
	ErrSessionNotFound      = errors.New("oauth session not found")
	ErrSessionNotPending    = errors.New("oauth session is not pending")
)

// pendingFlow tracks the in-memory half of a session the store does not
// hold: the cancellation hook and, for social auth, the loopback listener
// that must be torn down on cancel/completion.
type pendingFlow struct {
	cancel   context.CancelFunc
	listener net.Listener
}
