package notifier

import (
	"context"
	"fmt"

	"github.com/cuemby/sdmgr/pkg/agent"
	"github.com/cuemby/sdmgr/pkg/providers/apiclient"
	"github.com/cuemby/sdmgr/pkg/types"
)

// Discord posts notifications to a Discord webhook
type Discord struct {
	*notifier
	client *apiclient.Client
}

// NewDiscord creates a Discord notifier. Settings: webhook_url.
func NewDiscord(p *types.Provider, deps agent.Deps) *Discord {
	d := &Discord{
		notifier: newNotifier(p, deps),
		client:   apiclient.New(apiclient.Config{Provider: "discord", HTTP: deps.HTTP, RequestsPerSecond: 1, Burst: 5}),
	}
	d.transport = d
	return d
}

func (d *Discord) Start(ctx context.Context) error {
	return d.Boot(ctx, nil, func(context.Context) error {
		_, err := d.Config("webhook_url")
		return err
	})
}

func (d *Discord) send(ctx context.Context, msg Message) error {
	url, err := d.Config("webhook_url")
	if err != nil {
		return err
	}
	payload := map[string]string{
		"username": msg.Sender,
		"content":  fmt.Sprintf("**%s**\n```%s```", msg.Subject, msg.Body),
	}
	_, err = d.client.PostJSON(ctx, url, nil, payload)
	return err
}
