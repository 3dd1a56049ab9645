package notification

import (
	"context"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const defaultSendGridHost = "https://api.sendgrid.com"

// SendGridSender delivers plain-text email through the SendGrid v3 API.
type SendGridSender struct {
	apiKey   string
	host     string
	fromName string
	fromAddr string
}

func NewSendGridSender(apiKey, fromAddr, fromName string) *SendGridSender {
	return &SendGridSender{apiKey: apiKey, host: defaultSendGridHost, fromAddr: fromAddr, fromName: fromName}
}

// WithHost points the sender at another API host.
func (s *SendGridSender) WithHost(host string) *SendGridSender {
	s.host = host
	return s
}

func (s *SendGridSender) SendEmail(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := mail.NewV3MailInit(
		mail.NewEmail(s.fromName, s.fromAddr), subject,
		mail.NewEmail("", to),
		mail.NewContent("text/plain", body))

	req := sendgrid.GetRequest(s.apiKey, "/v3/mail/send", s.host)
	req.Method = "POST"
	req.Body = mail.GetRequestBody(m)
	resp, err := sendgrid.API(req)
	if err != nil {
		return fmt.Errorf("sendgrid: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid: status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}
