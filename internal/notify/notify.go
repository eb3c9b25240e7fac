package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pricealert/internal/logger"
	"pricealert/internal/models"
	"pricealert/internal/quiethours"
)

var notificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "notifications_total",
		Help: "Notification attempts per channel and outcome",
	},
	[]string{"channel", "outcome"},
)

func init() {
	prometheus.MustRegister(notificationsTotal)
}

// EmailSender delivers a triggered alert to one recipient.
type EmailSender interface {
	SendAlertEmail(ctx context.Context, recipient string, alert models.PriceAlert, price decimal.Decimal) error
}

// PushSender delivers a push notification to a user's devices.
type PushSender interface {
	SendPush(ctx context.Context, msg PushMessage) error
}

// PushMessage is the payload handed to the push channel.
type PushMessage struct {
	UserID  string `json:"user_id"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	Tag     string `json:"tag"`
	AlertID string `json:"alert_id"`
	URL     string `json:"url"`
}

// Outcome records what Dispatch did for one alert.
type Outcome struct {
	Suppressed    bool
	EmailSent     bool
	EmailDeferred bool
	EmailErr      error
	PushSent      bool
	PushErr       error
}

// Recipients resolves a user's email address when the preferences carry none.
// Accounts live outside this service.
type Recipients interface {
	EmailFor(ctx context.Context, userID string) (string, error)
}

// Directory is a static user id to address mapping.
type Directory map[string]string

func (d Directory) EmailFor(_ context.Context, userID string) (string, error) {
	return d[userID], nil
}

// Dispatcher fans a triggered alert out to the channels a user has enabled.
// A nil sender disables that channel.
type Dispatcher struct {
	email      EmailSender
	push       PushSender
	recipients Recipients
	alertsURL  string
	log        *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRecipients sets the fallback lookup for users without an address in
// their preferences.
func WithRecipients(r Recipients) Option { return func(d *Dispatcher) { d.recipients = r } }

// NewDispatcher builds a Dispatcher. alertsURL is the link placed in push messages.
func NewDispatcher(email EmailSender, push PushSender, alertsURL string, log *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{email: email, push: push, alertsURL: alertsURL, log: logger.OrNop(log)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends the notification for alert at the observed price. During the
// user's quiet hours nothing is sent. Channel failures are logged and reported
// in the Outcome; they never affect the other channel.
func (d *Dispatcher) Dispatch(ctx context.Context, alert models.PriceAlert, price decimal.Decimal, prefs models.NotificationPreferences, now time.Time) Outcome {
	var out Outcome
	log := d.log.With(zap.String("alert_id", alert.ID), zap.String("user_id", alert.UserID))

	if quiethours.IsQuiet(prefs, quiethours.LocalNow(prefs, now)) {
		out.Suppressed = true
		notificationsTotal.WithLabelValues("all", "suppressed").Inc()
		log.Info("Notification suppressed by quiet hours")
		return out
	}

	if prefs.EmailEnabled && d.email != nil {
		if !prefs.InstantEmail() {
			out.EmailDeferred = true
			notificationsTotal.WithLabelValues("email", "deferred").Inc()
		} else {
			out.EmailSent, out.EmailErr = d.sendEmail(ctx, log, alert, price, prefs)
		}
	}

	if prefs.PushEnabled && d.push != nil {
		msg := d.pushMessage(alert, price)
		out.PushErr = d.safeSend("push", func() error {
			return d.push.SendPush(ctx, msg)
		})
		out.PushSent = out.PushErr == nil
		d.record(log, "push", out.PushErr)
	}

	return out
}

func (d *Dispatcher) sendEmail(ctx context.Context, log *zap.Logger, alert models.PriceAlert, price decimal.Decimal, prefs models.NotificationPreferences) (bool, error) {
	recipient := prefs.Email
	if recipient == "" && d.recipients != nil {
		var err error
		recipient, err = d.recipients.EmailFor(ctx, alert.UserID)
		if err != nil {
			err = fmt.Errorf("resolve recipient: %w", err)
			d.record(log, "email", err)
			return false, err
		}
	}
	if recipient == "" {
		notificationsTotal.WithLabelValues("email", "no_recipient").Inc()
		log.Warn("Email enabled but no recipient address on file")
		return false, nil
	}
	err := d.safeSend("email", func() error {
		return d.email.SendAlertEmail(ctx, recipient, alert, price)
	})
	d.record(log, "email", err)
	return err == nil, err
}

// safeSend converts a panicking channel into an error.
func (d *Dispatcher) safeSend(channel string, send func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s channel panic: %v", channel, r)
		}
	}()
	return send()
}

func (d *Dispatcher) record(log *zap.Logger, channel string, err error) {
	if err != nil {
		notificationsTotal.WithLabelValues(channel, "error").Inc()
		log.Error("Notification failed", zap.String("channel", channel), zap.Error(err))
		return
	}
	notificationsTotal.WithLabelValues(channel, "sent").Inc()
	log.Info("Notification sent", zap.String("channel", channel))
}

func (d *Dispatcher) pushMessage(alert models.PriceAlert, price decimal.Decimal) PushMessage {
	title, body := Text(alert, price)
	return PushMessage{
		UserID:  alert.UserID,
		Title:   title,
		Body:    body,
		Tag:     "price-alert-" + alert.ID,
		AlertID: alert.ID,
		URL:     d.alertsURL,
	}
}

// Text renders the title and body shared by every channel.
func Text(alert models.PriceAlert, price decimal.Decimal) (title, body string) {
	name := alert.AssetName
	if name == "" {
		name = alert.AssetID
	}
	label := name
	if alert.AssetSymbol != "" {
		label = fmt.Sprintf("%s (%s)", name, strings.ToUpper(alert.AssetSymbol))
	}
	title = "Price alert: " + name
	body = fmt.Sprintf("%s is now %s, %s your target of %s.",
		label, formatUSD(price), alert.Condition, formatUSD(alert.TargetPrice))
	return title, body
}

func formatUSD(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}
