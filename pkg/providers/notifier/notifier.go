// Package notifier implements the notifier agents. Delivery is
// best-effort: failures are logged and never returned to the caller.
package notifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/sdmgr/pkg/agent"
	"github.com/cuemby/sdmgr/pkg/types"
)

// Message is one operator notification
type Message struct {
	// Sender is the provider the message is about, shown as the author
	// where the transport supports it
	Sender  string
	Subject string
	Body    string
}

func nsUpdateMessage(registrar, domain string, nameservers []string) Message {
	return Message{
		Sender:  registrar,
		Subject: fmt.Sprintf("NS record update required for '%s'", domain),
		Body:    fmt.Sprintf("Please update NS records for domain '%s' to:\n%s", domain, strings.Join(nameservers, "\n")),
	}
}

func transferOutMessage(provider, domain string) Message {
	return Message{
		Sender:  provider,
		Subject: fmt.Sprintf("Domain '%s' transferred out", domain),
		Body:    fmt.Sprintf("Domain '%s' is no longer reported by %s.", domain, provider),
	}
}

func transferInMessage(provider, domain string) Message {
	return Message{
		Sender:  provider,
		Subject: fmt.Sprintf("Domain '%s' transferred in", domain),
		Body:    fmt.Sprintf("Domain '%s' is now reported by %s.", domain, provider),
	}
}

// sender delivers a message over one transport
type sender interface {
	send(ctx context.Context, msg Message) error
}

// notifier adapts a transport to the agent.Notifier contract
type notifier struct {
	*agent.Base
	transport sender
}

func (n *notifier) deliver(ctx context.Context, msg Message) {
	if err := n.transport.send(ctx, msg); err != nil {
		n.Logger().Error().Err(err).Str("subject", msg.Subject).Msg("notification delivery failed")
		return
	}
	n.Logger().Debug().Str("subject", msg.Subject).Msg("notification delivered")
}

func (n *notifier) NotifyRegistrarNSUpdate(ctx context.Context, registrar, domain string, nameservers []string) {
	n.deliver(ctx, nsUpdateMessage(registrar, domain, nameservers))
}

func (n *notifier) NotifyDomainTransferOut(ctx context.Context, provider, domain string) {
	n.deliver(ctx, transferOutMessage(provider, domain))
}

func (n *notifier) NotifyDomainTransferIn(ctx context.Context, provider, domain string) {
	n.deliver(ctx, transferInMessage(provider, domain))
}

func newNotifier(p *types.Provider, deps agent.Deps) *notifier {
	return &notifier{Base: agent.NewBase(p, deps)}
}
