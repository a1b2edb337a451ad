package mail

import (
	"context"
	"fmt"
	"time"
)

// Mailer renders the account emails and hands them to a Sender.
type Mailer struct {
	sender Sender
}

// NewMailer returns a Mailer delivering through sender.
func NewMailer(sender Sender) *Mailer {
	return &Mailer{sender: sender}
}

// Send delivers a pre-rendered message.
func (m *Mailer) Send(ctx context.Context, msg Message) error {
	return m.sender.Send(ctx, msg)
}

// SendOTP emails a login code valid for ttl.
func (m *Mailer) SendOTP(ctx context.Context, to, code string, ttl time.Duration) error {
	return m.sender.Send(ctx, Message{
		To:      to,
		Subject: "Your Atlas sign-in code",
		Text: fmt.Sprintf("Your Atlas sign-in code is %s.\n\nIt expires in %d minutes. If you did not try to sign in, change your password.",
			code, int(ttl.Minutes())),
	})
}

// BackupCodeUsedMessage warns the account holder that a backup code was consumed.
func BackupCodeUsedMessage(to string, remaining int) Message {
	return Message{
		To:      to,
		Subject: "A backup code was used on your Atlas account",
		Text: fmt.Sprintf("A backup code was just used to sign in to your Atlas account. You have %d unused codes left.\n\n"+
			"Generate a new set of backup codes from your account settings. If this was not you, change your password now.", remaining),
	}
}

// NewDeviceLoginMessage tells the account holder about a sign-in from a device not seen before.
func NewDeviceLoginMessage(to, deviceName, ip string, at time.Time) Message {
	return Message{
		To:      to,
		Subject: "New sign-in to your Atlas account",
		Text: fmt.Sprintf("Your Atlas account was signed in from a new device.\n\nDevice: %s\nIP address: %s\nTime: %s\n\n"+
			"If this was not you, revoke the device from your account settings and change your password.",
			deviceName, ip, at.UTC().Format(time.RFC1123)),
	}
}
