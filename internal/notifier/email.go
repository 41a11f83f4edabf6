package notifier

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/zepia/keygate/internal/model"
)

// SMTPConfig holds outbound mail settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// ImplicitTLS dials TLS directly (port 465). Otherwise the connection
	// is upgraded with STARTTLS when the server offers it.
	ImplicitTLS bool
	Brand       string
}

// Email sends the purchaser their access key over SMTP.
type Email struct {
	cfg  SMTPConfig
	tmpl *template.Template
	// send delivers a rendered message; replaced in tests.
	send func(ctx context.Context, to string, msg []byte) error
}

// NewEmail validates cfg and prepares the message template.
func NewEmail(cfg SMTPConfig) (*Email, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, errors.New("smtp host and from address are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Brand == "" {
		cfg.Brand = "Keygate"
	}
	tmpl, err := template.New("access-key").Parse(emailTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse email template: %w", err)
	}
	e := &Email{cfg: cfg, tmpl: tmpl}
	e.send = e.deliver
	return e, nil
}

func (e *Email) Name() string { return "email" }

// Notify renders and sends the access key message.
func (e *Email) Notify(ctx context.Context, n model.Notification) error {
	if n.RecipientEmail == "" {
		return errors.New("notification has no recipient")
	}
	msg, err := e.render(n, time.Now())
	if err != nil {
		return err
	}
	if err := e.send(ctx, n.RecipientEmail, msg); err != nil {
		return fmt.Errorf("send email to %s: %w", n.RecipientEmail, err)
	}
	return nil
}

// Subject returns the subject line for a checkout message.
func (e *Email) Subject() string {
	return e.cfg.Brand + " - Checkout Completed"
}

func (e *Email) render(n model.Notification, now time.Time) ([]byte, error) {
	var body bytes.Buffer
	data := struct {
		Brand     string
		AccessKey string
		IsRenewal bool
		Year      int
	}{e.cfg.Brand, n.AccessKey, n.IsRenewal, now.Year()}
	if err := e.tmpl.Execute(&body, data); err != nil {
		return nil, fmt.Errorf("render email: %w", err)
	}

	var msg bytes.Buffer
	headers := [][2]string{
		{"From", e.cfg.From},
		{"To", n.RecipientEmail},
		{"Subject", mime.QEncoding.Encode("utf-8", e.Subject())},
		{"Date", now.Format(time.RFC1123Z)},
		{"MIME-Version", "1.0"},
		{"Content-Type", "text/html; charset=UTF-8"},
	}
	for _, h := range headers {
		fmt.Fprintf(&msg, "%s: %s\r\n", h[0], h[1])
	}
	msg.WriteString("\r\n")
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}

// deliver runs one SMTP transaction, honouring ctx for the dial and the
// overall deadline.
func (e *Email) deliver(ctx context.Context, to string, msg []byte) error {
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	tlsConfig := &tls.Config{ServerName: e.cfg.Host}

	var d net.Dialer
	var conn net.Conn
	var err error
	if e.cfg.ImplicitTLS {
		conn, err = (&tls.Dialer{NetDialer: &d, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if !e.cfg.ImplicitTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if e.cfg.Username != "" {
		auth := smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("failed to authenticate: %w", err)
		}
	}
	if err := client.Mail(e.cfg.From); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("failed to set recipient: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to get data writer: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}
	return client.Quit()
}

const emailTemplate = `<div style="max-width: 600px; margin: auto; background-color: #ffffff; padding: 40px; border-radius: 10px; font-family: Arial, sans-serif; color: #333;">
  <div style="text-align: center;">
    <h2 style="font-size: 24px; margin-bottom: 10px;">{{if .IsRenewal}}Subscription Renewed{{else}}Welcome to {{.Brand}}{{end}}</h2>
  </div>
  <p style="font-size: 16px; line-height: 1.5;">
    Hi there,<br><br>
    {{if .IsRenewal}}Your subscription to {{.Brand}} has been renewed.{{else}}Thank you for subscribing to {{.Brand}}.{{end}}
  </p>
  <p style="font-size: 16px; line-height: 1.5;">
    <strong>Access key:</strong><br>
    <code style="display: inline-block; margin-top: 8px; background: #f4f4f4; padding: 10px 15px; border-radius: 6px; font-size: 18px; font-weight: bold;">{{.AccessKey}}</code>
  </p>
  <p style="font-size: 16px;">Thank you!</p>
  <p style="margin-top: 30px; font-size: 14px; color: #999;">&copy; {{.Year}} {{.Brand}}</p>
</div>
`
