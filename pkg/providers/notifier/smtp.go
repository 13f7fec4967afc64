package notifier

import (
	"context"
	"fmt"

	"github.com/cuemby/sdmgr/pkg/agent"
	"github.com/cuemby/sdmgr/pkg/types"
	"github.com/wneessen/go-mail"
)

// SMTP mails notifications to one recipient
type SMTP struct {
	*notifier
}

// NewSMTP creates an SMTP notifier. Settings: smtp_host, mail_from_address,
// mail_to_address; optional smtp_port, smtp_user, smtp_pass, smtp_use_tls
// (implicit TLS), smtp_starttls, mail_from_label and mail_to_label.
func NewSMTP(p *types.Provider, deps agent.Deps) *SMTP {
	s := &SMTP{notifier: newNotifier(p, deps)}
	s.transport = s
	return s
}

func (s *SMTP) Start(ctx context.Context) error {
	return s.Boot(ctx, nil, func(context.Context) error {
		for _, key := range []string{"smtp_host", "mail_from_address", "mail_to_address"} {
			if _, err := s.Config(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SMTP) message(msg Message) (*mail.Msg, error) {
	from, err := s.Config("mail_from_address")
	if err != nil {
		return nil, err
	}
	to, err := s.Config("mail_to_address")
	if err != nil {
		return nil, err
	}

	m := mail.NewMsg()
	if err := m.FromFormat(s.OptionalConfig("mail_from_label", "sdmgr"), from); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if err := m.AddToFormat(s.OptionalConfig("mail_to_label", ""), to); err != nil {
		return nil, fmt.Errorf("invalid to address: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)
	return m, nil
}

func (s *SMTP) client() (*mail.Client, error) {
	host, err := s.Config("smtp_host")
	if err != nil {
		return nil, err
	}

	opts := []mail.Option{mail.WithPort(s.OptionalConfigInt("smtp_port", 587))}
	switch {
	case s.OptionalConfig("smtp_use_tls", "") == "true":
		opts = append(opts, mail.WithSSL())
	case s.OptionalConfig("smtp_starttls", "") == "true":
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if user := s.OptionalConfig("smtp_user", ""); user != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(user),
			mail.WithPassword(s.OptionalConfig("smtp_pass", "")),
		)
	}
	return mail.NewClient(host, opts...)
}

func (s *SMTP) send(ctx context.Context, msg Message) error {
	m, err := s.message(msg)
	if err != nil {
		return err
	}
	c, err := s.client()
	if err != nil {
		return fmt.Errorf("failed to configure smtp client: %w", err)
	}
	return c.DialAndSendWithContext(ctx, m)
}

var (
	_ agent.Notifier = (*Discord)(nil)
	_ agent.Notifier = (*SMTP)(nil)
)
