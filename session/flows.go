package session

import "fmt"

// FlowKind is the closed set of login flows the engine recognizes. Flows are
// matched against LoginOptions in declaration order and the first match wins,
// even when several would match.
type FlowKind int

const (
	FlowRefreshToken FlowKind = iota
	FlowAuthorizationCode
	FlowImplicit
	FlowClientCredentials
	FlowDevice
)

// String returns the flow's grant name.
func (k FlowKind) String() string {
	switch k {
	case FlowRefreshToken:
		return "refresh_token"
	case FlowAuthorizationCode:
		return "authorization_code"
	case FlowImplicit:
		return "implicit"
	case FlowClientCredentials:
		return "client_credentials"
	case FlowDevice:
		return "device_code"
	default:
		return "unknown"
	}
}

// flowOrder fixes the tie-break: earlier flows win over later ones.
var flowOrder = []FlowKind{
	FlowRefreshToken,
	FlowAuthorizationCode,
	FlowImplicit,
	FlowClientCredentials,
	FlowDevice,
}

// canHandleFlow reports whether the flow genuinely applies to the options.
// A flow the engine does not implement still only matches inputs that
// explicitly request it, so selecting it fails loudly rather than silently
// swallowing a login attempt.
func canHandleFlow(kind FlowKind, opts LoginOptions) bool {
	switch kind {
	case FlowRefreshToken:
		return opts.RefreshToken != "" || opts.GrantType == "refresh_token"
	case FlowAuthorizationCode:
		if opts.GrantType != "" && opts.GrantType != "authorization_code" {
			return false
		}
		return opts.OIDCIssuer != "" && opts.RedirectURL != ""
	case FlowImplicit:
		return opts.GrantType == "implicit"
	case FlowClientCredentials:
		return opts.GrantType == "client_credentials"
	case FlowDevice:
		return opts.GrantType == "device_code"
	default:
		return false
	}
}

// selectFlow picks the first flow, in flowOrder, whose predicate matches.
func selectFlow(opts LoginOptions) (FlowKind, error) {
	const op = "session.selectFlow"
	for _, kind := range flowOrder {
		if canHandleFlow(kind, opts) {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("%s: no login flow matches the given options: %w", op, ErrNoHandlerFound)
}
