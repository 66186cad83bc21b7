package mailer

import (
	"context"
	"errors"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/grants-approval-api/pkg/config"
)

func TestSMTPSenderComposesMessage(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotBody []byte
	sender := NewSMTPSender(config.MailConfig{
		Host:     "smtp.example.org",
		Port:     2525,
		Username: "mailer",
		Password: "secret",
		From:     "no-reply@grants.local",
		FromName: "Grants",
	}, nil)
	sender.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotBody = addr, from, to, msg
		require.NotNil(t, a)
		return nil
	}

	err := sender.Send(context.Background(), Message{
		To:      "b@example.org",
		ToName:  "Bea",
		Subject: "Workplan WP-7 awaits your approval",
		Body:    "line one\nline two",
	})
	require.NoError(t, err)
	require.Equal(t, "smtp.example.org:2525", gotAddr)
	require.Equal(t, "no-reply@grants.local", gotFrom)
	require.Equal(t, []string{"b@example.org"}, gotTo)
	require.Contains(t, string(gotBody), "To: Bea <b@example.org>\r\n")
	require.Contains(t, string(gotBody), "line one\r\nline two")
}

func TestSMTPSenderDisabledIsNoop(t *testing.T) {
	sender := NewSMTPSender(config.MailConfig{}, nil)
	sender.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("send must not be called without a host")
		return nil
	}
	require.False(t, sender.Enabled())
	require.NoError(t, sender.Send(context.Background(), Message{To: "a@example.org"}))
	require.Error(t, sender.Send(context.Background(), Message{}))
}

func TestSMTPSenderWrapsRelayError(t *testing.T) {
	sender := NewSMTPSender(config.MailConfig{Host: "relay", Port: 25}, nil)
	relayErr := errors.New("451 try later")
	sender.send = func(string, smtp.Auth, string, []string, []byte) error { return relayErr }

	err := sender.Send(context.Background(), Message{To: "a@example.org"})
	require.ErrorIs(t, err, relayErr)
}
