package mailer

import (
	"context"
	"log/slog"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/mailleopard-backend/internal/model"
)

type receivedMail struct {
	from string
	rcpt []string
	data string
}

// fakeSMTP is a minimal server that accepts a single session per connection.
type fakeSMTP struct {
	ln         net.Listener
	rejectRcpt string
	received   chan receivedMail
}

func startFakeSMTP(t *testing.T, rejectRcpt string) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeSMTP{ln: ln, rejectRcpt: rejectRcpt, received: make(chan receivedMail, 4)}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return f
}

func (f *fakeSMTP) profile() *model.SenderProfile {
	host, portStr, _ := net.SplitHostPort(f.ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return &model.SenderProfile{ID: "p1", Email: "ops@example.com", Host: host, Port: port, Encryption: model.EncryptionNone}
}

func (f *fakeSMTP) serve(conn net.Conn) {
	defer conn.Close()
	tp := textproto.NewConn(conn)
	_ = tp.PrintfLine("220 localhost ESMTP")

	var m receivedMail
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		cmd := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			_ = tp.PrintfLine("250-localhost")
			_ = tp.PrintfLine("250 8BITMIME")
		case strings.HasPrefix(cmd, "MAIL FROM:"):
			m.from = extractPath(line)
			_ = tp.PrintfLine("250 OK")
		case strings.HasPrefix(cmd, "RCPT TO:"):
			rcpt := extractPath(line)
			if rcpt == f.rejectRcpt {
				_ = tp.PrintfLine("550 mailbox unavailable")
				continue
			}
			m.rcpt = append(m.rcpt, rcpt)
			_ = tp.PrintfLine("250 OK")
		case cmd == "DATA":
			_ = tp.PrintfLine("354 go ahead")
			data, err := tp.ReadDotBytes()
			if err != nil {
				return
			}
			m.data = string(data)
			_ = tp.PrintfLine("250 queued")
			f.received <- m
			m = receivedMail{}
		case cmd == "RSET", cmd == "NOOP":
			_ = tp.PrintfLine("250 OK")
		case cmd == "QUIT":
			_ = tp.PrintfLine("221 bye")
			return
		default:
			_ = tp.PrintfLine("502 not implemented")
		}
	}
}

func extractPath(line string) string {
	start := strings.Index(line, "<")
	end := strings.Index(line, ">")
	if start < 0 || end < start {
		return ""
	}
	return line[start+1 : end]
}

func testEmail() *Email {
	return &Email{
		From:    "ops@example.com",
		To:      []string{"ann@example.com"},
		Cc:      []string{"boss@example.com"},
		Subject: "Quarterly report",
		HTML:    "<p>Hello Ann</p>",
	}
}

func TestSMTPSenderDelivers(t *testing.T) {
	srv := startFakeSMTP(t, "")
	s := NewSMTPSender(5*time.Second, slog.New(slog.DiscardHandler))

	require.NoError(t, s.Send(context.Background(), srv.profile(), testEmail()))

	select {
	case m := <-srv.received:
		assert.Equal(t, "ops@example.com", m.from)
		assert.Equal(t, []string{"ann@example.com", "boss@example.com"}, m.rcpt)
		assert.Contains(t, m.data, "Subject: Quarterly report")
		assert.Contains(t, m.data, "Hello Ann")
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}
}

func TestSMTPSenderRecipientRejected(t *testing.T) {
	srv := startFakeSMTP(t, "ann@example.com")
	s := NewSMTPSender(5*time.Second, nil)

	err := s.Send(context.Background(), srv.profile(), testEmail())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.Contains(t, err.Error(), "550")
}

func TestSMTPSenderRequiresStartTLS(t *testing.T) {
	srv := startFakeSMTP(t, "")
	profile := srv.profile()
	profile.Encryption = model.EncryptionTLS

	err := NewSMTPSender(5*time.Second, nil).Send(context.Background(), profile, testEmail())
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestSMTPSenderConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	profile := &model.SenderProfile{Host: "127.0.0.1", Port: addr.Port, Encryption: model.EncryptionNone}
	err = NewSMTPSender(time.Second, nil).Send(context.Background(), profile, testEmail())
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestLoginAuth(t *testing.T) {
	a := newLoginAuth("user", "secret")

	mech, _, err := a.Start(&smtp.ServerInfo{Name: "localhost", TLS: true})
	require.NoError(t, err)
	assert.Equal(t, "LOGIN", mech)

	tests := []struct {
		prompt string
		want   string
	}{
		{"Username:", "user"},
		{"password:", "secret"},
		{"VXNlcm5hbWU6", "user"},
		{"UGFzc3dvcmQ6", "secret"},
	}
	for _, tt := range tests {
		got, err := a.Next([]byte(tt.prompt), true)
		require.NoError(t, err, tt.prompt)
		assert.Equal(t, tt.want, string(got))
	}

	_, err = a.Next([]byte("Something else"), true)
	assert.Error(t, err)

	got, err := a.Next(nil, false)
	assert.NoError(t, err)
	assert.Nil(t, got)
}
