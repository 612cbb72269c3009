package notifiers

import (
	"errors"
	"fmt"
	"html"

	"github.com/resend/resend-go/v2"
	"github.com/rs/zerolog"

	"channelcast/internal/observer"
)

var ErrNoRecipient = errors.New("email recipient is empty")

// EmailSender is the part of the resend client used to deliver mail.
type EmailSender interface {
	Send(params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

type EmailConfig struct {
	APIKey string
	From   string
	To     string
	Logger zerolog.Logger

	// Sender overrides the resend client built from APIKey.
	Sender EmailSender
}

// Email mails every notification to a single recipient. Without an API key or
// sender it only logs what would have been sent.
type Email struct {
	from   string
	to     string
	sender EmailSender
	log    zerolog.Logger
}

var _ observer.Subscriber = (*Email)(nil)

func NewEmail(cfg EmailConfig) (*Email, error) {
	if cfg.To == "" {
		return nil, ErrNoRecipient
	}
	sender := cfg.Sender
	if sender == nil && cfg.APIKey != "" {
		sender = resend.NewClient(cfg.APIKey).Emails
	}
	return &Email{
		from:   cfg.From,
		to:     cfg.To,
		sender: sender,
		log:    cfg.Logger.With().Str("component", "email_notifier").Str("to", cfg.To).Logger(),
	}, nil
}

func (e *Email) Name() string {
	return e.to
}

func (e *Email) Notify(source, payload string) error {
	subject := fmt.Sprintf("New message from channel %s", source)
	if e.sender == nil {
		e.log.Info().Str("channel", source).Str("message", payload).Msg("dev mode, email not sent")
		return nil
	}
	sent, err := e.sender.Send(&resend.SendEmailRequest{
		From:    e.from,
		To:      []string{e.to},
		Subject: subject,
		Html:    fmt.Sprintf("<p>There's a new message from channel <b>%s</b>:</p><p>%s</p>", html.EscapeString(source), html.EscapeString(payload)),
		Text:    fmt.Sprintf("There's a new message from channel %s: %s", source, payload),
	})
	if err != nil {
		return fmt.Errorf("send email to %s: %w", e.to, err)
	}
	e.log.Debug().Str("email_id", sent.Id).Str("channel", source).Msg("email sent")
	return nil
}
