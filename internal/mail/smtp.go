package mail

import (
	"bytes"
	"context"
	"net/smtp"
	"strconv"
	"time"
)

// SMTPSender sends plain-text mail over SMTP with PLAIN auth.
type SMTPSender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string

	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPSender returns an SMTP sender. from defaults to username.
func NewSMTPSender(host string, port int, username, password, from string) *SMTPSender {
	if from == "" {
		from = username
	}
	return &SMTPSender{Host: host, Port: port, Username: username, Password: password, From: from, send: smtp.SendMail}
}

// Send delivers m. smtp.SendMail has no context, so the call runs in a goroutine and ctx bounds the wait.
func (s *SMTPSender) Send(ctx context.Context, m Message) error {
	if s.Host == "" || s.Username == "" || s.Password == "" {
		return ErrNotConfigured
	}
	var buf bytes.Buffer
	buf.WriteString("From: Atlas <" + s.From + ">\r\n")
	buf.WriteString("To: " + m.To + "\r\n")
	buf.WriteString("Subject: " + m.Subject + "\r\n")
	buf.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	buf.WriteString(m.Text)
	addr := s.Host + ":" + strconv.Itoa(s.Port)
	auth := smtp.PlainAuth("", s.Username, s.Password, s.Host)
	done := make(chan error, 1)
	go func() { done <- s.send(addr, auth, s.From, []string{m.To}, buf.Bytes()) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}
