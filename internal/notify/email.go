package notify

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"pricealert/internal/logger"
	"pricealert/internal/models"
)

// SMTPConfig holds the outgoing mail server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender sends alert emails through an SMTP relay.
type SMTPSender struct {
	cfg SMTPConfig
	log *zap.Logger
}

// NewSMTPSender returns a sender for cfg. It does not dial until the first send.
func NewSMTPSender(cfg SMTPConfig, log *zap.Logger) *SMTPSender {
	return &SMTPSender{cfg: cfg, log: logger.OrNop(log)}
}

// SendAlertEmail composes and sends one plain-text alert email.
func (s *SMTPSender) SendAlertEmail(ctx context.Context, recipient string, alert models.PriceAlert, price decimal.Decimal) error {
	msg, err := s.message(recipient, alert, price)
	if err != nil {
		return err
	}

	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	client, err := mail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send to %s: %w", recipient, err)
	}
	s.log.Debug("Alert email sent", zap.String("alert_id", alert.ID))
	return nil
}

func (s *SMTPSender) message(recipient string, alert models.PriceAlert, price decimal.Decimal) (*mail.Msg, error) {
	subject, body := Text(alert, price)
	m := mail.NewMsg()
	if err := m.From(s.cfg.From); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", s.cfg.From, err)
	}
	if err := m.To(recipient); err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", recipient, err)
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextPlain, body+"\n\nThis alert has now been deactivated.\n")
	return m, nil
}
