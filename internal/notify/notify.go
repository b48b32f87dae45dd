// Package notify is the outbound messaging contract used for SMS codes and
// invitation emails. Delivery itself belongs to an external provider.
package notify

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Dispatcher sends messages to a principal.
type Dispatcher interface {
	SendSMS(ctx context.Context, phone, body string) error
	SendEmail(ctx context.Context, to, subject, body string) error
}

// LogDispatcher records that a message was sent without its body. It stands in
// for a real provider in dev mode.
type LogDispatcher struct{ log *zap.Logger }

// NewLogDispatcher constructs a LogDispatcher.
func NewLogDispatcher(log *zap.Logger) *LogDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogDispatcher{log: log.Named("notify")}
}

// SendSMS logs the masked destination.
func (d *LogDispatcher) SendSMS(_ context.Context, phone, _ string) error {
	d.log.Info("sms dispatched", zap.String("to", MaskPhone(phone)))
	return nil
}

// SendEmail logs the masked destination and subject.
func (d *LogDispatcher) SendEmail(_ context.Context, to, subject, _ string) error {
	d.log.Info("email dispatched", zap.String("to", MaskEmail(to)), zap.String("subject", subject))
	return nil
}

// MaskPhone keeps the last two digits.
func MaskPhone(phone string) string {
	if len(phone) <= 2 {
		return "**"
	}
	return strings.Repeat("*", len(phone)-2) + phone[len(phone)-2:]
}

// MaskEmail keeps the first character of the local part and the domain.
func MaskEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}

// Message is a captured outbound message.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Recorder captures messages in memory.
type Recorder struct {
	mu   sync.Mutex
	SMS  []Message
	Mail []Message
	Err  error
}

// SendSMS captures the message.
func (r *Recorder) SendSMS(_ context.Context, phone, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.SMS = append(r.SMS, Message{To: phone, Body: body})
	return nil
}

// SendEmail captures the message.
func (r *Recorder) SendEmail(_ context.Context, to, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Mail = append(r.Mail, Message{To: to, Subject: subject, Body: body})
	return nil
}

// LastSMS returns the most recent SMS to phone.
func (r *Recorder) LastSMS(phone string) (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.SMS) - 1; i >= 0; i-- {
		if r.SMS[i].To == phone {
			return r.SMS[i], true
		}
	}
	return Message{}, false
}
