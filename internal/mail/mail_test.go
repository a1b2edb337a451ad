package mail

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"
)

func TestResendClient_Send(t *testing.T) {
	var got resendRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/emails" || r.Method != http.MethodPost {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"em_1"}`))
	}))
	defer srv.Close()

	c := NewResendClient("re_key", srv.URL, "Atlas <noreply@atlas.vet>")
	if err := c.Send(context.Background(), Message{To: "vet@clinic.com", Subject: "s", Text: "t"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if auth != "Bearer re_key" {
		t.Errorf("Authorization = %q", auth)
	}
	if len(got.To) != 1 || got.To[0] != "vet@clinic.com" || got.From != "Atlas <noreply@atlas.vet>" {
		t.Errorf("payload = %+v", got)
	}
}

func TestResendClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"invalid from"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	err := NewResendClient("re_key", srv.URL, "x").Send(context.Background(), Message{To: "a@b.c"})
	if err == nil || !strings.Contains(err.Error(), "status=422") {
		t.Errorf("err = %v, want status=422", err)
	}
	if err := NewResendClient("", srv.URL, "x").Send(context.Background(), Message{}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("missing key err = %v, want ErrNotConfigured", err)
	}
}

func TestSMTPSender_Send(t *testing.T) {
	s := NewSMTPSender("smtp.example.com", 587, "user@example.com", "pw", "")
	var gotAddr, gotFrom string
	var gotMsg []byte
	s.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotMsg = addr, from, msg
		return nil
	}
	if err := s.Send(context.Background(), Message{To: "vet@clinic.com", Subject: "Hello", Text: "Body"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotAddr != "smtp.example.com:587" || gotFrom != "user@example.com" {
		t.Errorf("addr = %q from = %q", gotAddr, gotFrom)
	}
	if !strings.Contains(string(gotMsg), "Subject: Hello\r\n") || !strings.HasSuffix(string(gotMsg), "Body") {
		t.Errorf("message = %q", gotMsg)
	}
}

func TestSMTPSender_ContextCancelled(t *testing.T) {
	s := NewSMTPSender("smtp.example.com", 587, "u", "p", "f")
	block := make(chan struct{})
	defer close(block)
	s.send = func(string, smtp.Auth, string, []string, []byte) error {
		<-block
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Send(ctx, Message{To: "a@b.c"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	if err := NewSMTPSender("", 25, "", "", "").Send(context.Background(), Message{}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("unconfigured err = %v", err)
	}
}

type captureSender struct{ msgs []Message }

func (c *captureSender) Send(ctx context.Context, m Message) error {
	c.msgs = append(c.msgs, m)
	return nil
}

func TestMailer_SendOTP(t *testing.T) {
	cs := &captureSender{}
	if err := NewMailer(cs).SendOTP(context.Background(), "vet@clinic.com", "123456", 10*time.Minute); err != nil {
		t.Fatalf("SendOTP: %v", err)
	}
	if len(cs.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(cs.msgs))
	}
	if !strings.Contains(cs.msgs[0].Text, "123456") || !strings.Contains(cs.msgs[0].Text, "10 minutes") {
		t.Errorf("text = %q", cs.msgs[0].Text)
	}
}

func TestNotices(t *testing.T) {
	m := BackupCodeUsedMessage("vet@clinic.com", 7)
	if !strings.Contains(m.Text, "7 unused codes") {
		t.Errorf("backup text = %q", m.Text)
	}
	n := NewDeviceLoginMessage("vet@clinic.com", "Chrome on macOS", "10.0.0.1", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	if !strings.Contains(n.Text, "Chrome on macOS") || !strings.Contains(n.Text, "10.0.0.1") {
		t.Errorf("device text = %q", n.Text)
	}
}
