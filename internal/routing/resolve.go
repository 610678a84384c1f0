// Package routing decides which delivery channel and recipient a
// request should use, reconciling explicit parameters, last-used
// session state, and provider allowlists.
package routing

import (
	"strings"

	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/session"
)

// Channel identifiers. WebChat is the internal UI surface: it has no
// externally deliverable address and is never a resolution result for
// delivery.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelTelegram = "telegram"
	ChannelDiscord  = "discord"
	ChannelSlack    = "slack"
	ChannelSignal   = "signal"
	ChannelIMessage = "imessage"
	ChannelWebChat  = "webchat"

	// ChannelLast is the sentinel meaning "whatever was used last".
	ChannelLast = "last"

	// DefaultChannel is the hard fallback when session state points at
	// a non-deliverable surface.
	DefaultChannel = ChannelWhatsApp
)

// AllowAll is the allowlist wildcard.
const AllowAll = "*"

var deliverable = map[string]bool{
	ChannelWhatsApp: true,
	ChannelTelegram: true,
	ChannelDiscord:  true,
	ChannelSlack:    true,
	ChannelSignal:   true,
	ChannelIMessage: true,
}

// IsDeliverable reports whether ch can receive an outbound message.
func IsDeliverable(ch string) bool {
	return deliverable[ch]
}

// IsKnownChannel reports whether ch is a recognized channel identifier.
func IsKnownChannel(ch string) bool {
	return deliverable[ch] || ch == ChannelWebChat
}

// Request carries the caller's explicit routing parameters.
type Request struct {
	Channel   string // explicit channel, "last", or ""
	To        string // explicit recipient, or ""
	AccountID string // explicit account binding, or ""
	Deliver   bool   // caller requested delivery
}

// Resolution is the concrete delivery decision.
type Resolution struct {
	Channel   string `json:"channel"`
	To        string `json:"to,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	Deliver   bool   `json:"deliver"`

	// BestEffortDeliver is set when the route was derived from session
	// state rather than explicit parameters: automation should not
	// fail hard on a stale route.
	BestEffortDeliver bool `json:"bestEffortDeliver,omitempty"`
}

// Resolver resolves delivery routes against the configured default
// channel and allowlists.
type Resolver struct {
	defaultChannel string
	whatsappAllow  []string
}

// NewResolver creates a resolver. defaultChannel must be deliverable,
// otherwise the hard default applies. whatsappAllow is the configured
// WhatsApp recipient allowlist ("*" entries are wildcards).
func NewResolver(defaultChannel string, whatsappAllow []string) *Resolver {
	if !IsDeliverable(defaultChannel) {
		defaultChannel = DefaultChannel
	}
	return &Resolver{defaultChannel: defaultChannel, whatsappAllow: whatsappAllow}
}

// Resolve produces the delivery route for a request given the session's
// last-known delivery state. sess may be nil.
//
// Priority: explicit channel > session lastChannel (webchat falls
// through to the default) > default. Explicit recipient always wins;
// derived WhatsApp recipients are reconciled against the allowlist.
func (r *Resolver) Resolve(req Request, sess *session.Entry) Resolution {
	var res Resolution

	// Channel.
	channelFromSession := false
	switch {
	case req.Channel != "" && req.Channel != ChannelLast && IsKnownChannel(req.Channel):
		res.Channel = req.Channel
	default:
		channelFromSession = true
		last := ""
		if sess != nil {
			last = sess.LastChannel
		}
		if last == "" || last == ChannelWebChat {
			// The UI surface has no deliverable address; automation
			// (cron, voice wakeups) must land somewhere real.
			res.Channel = r.defaultChannel
		} else {
			res.Channel = last
		}
	}

	// Recipient.
	toFromSession := false
	if req.To != "" {
		res.To = req.To
	} else if IsDeliverable(res.Channel) && sess != nil && sess.LastTo != "" {
		res.To = sess.LastTo
		toFromSession = true
	}

	// Derived WhatsApp recipients must still be allowed; stale session
	// state must not route to numbers removed from the allowlist.
	if toFromSession && res.Channel == ChannelWhatsApp {
		res.To = r.reconcileWhatsApp(res.To)
	}

	// Account binding. An explicit recipient with no explicit account
	// deliberately does not inherit a stale account binding.
	if req.AccountID != "" {
		res.AccountID = req.AccountID
	} else if toFromSession && sess != nil {
		res.AccountID = sess.LastAccountID
	}

	res.Deliver = req.Deliver && res.Channel != ChannelWebChat
	res.BestEffortDeliver = channelFromSession

	return res
}

// reconcileWhatsApp validates a derived recipient against the
// allowlist, substituting the first allowed recipient when the derived
// one is absent or disallowed.
func (r *Resolver) reconcileWhatsApp(to string) string {
	if len(r.whatsappAllow) == 0 {
		return to
	}
	for _, allowed := range r.whatsappAllow {
		if strings.TrimSpace(allowed) == AllowAll {
			return to
		}
	}
	for _, allowed := range r.whatsappAllow {
		if to != "" && strings.TrimSpace(allowed) == to {
			return to
		}
	}

	first := strings.TrimSpace(r.whatsappAllow[0])
	L_warn("routing: derived whatsapp recipient not allowed, substituting",
		"rejected", to,
		"substituted", first)
	return first
}
