package mailer

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"strings"
	"time"
)

// Mailer sends transactional mail over SMTP. An empty host means mail is not
// configured; sends become no-ops so local development works without an SMTP
// server. Callers are expected to dispatch sends off the request path.
type Mailer struct {
	host     string
	port     int
	username string
	password string
	from     mail.Address
	useSSL   bool
}

func New(host string, port int, username, password, fromAddress, fromName string, useSSL bool) *Mailer {
	return &Mailer{
		host:     strings.TrimSpace(host),
		port:     port,
		username: username,
		password: password,
		from:     mail.Address{Name: fromName, Address: fromAddress},
		useSSL:   useSSL,
	}
}

func (m *Mailer) Configured() bool {
	return m.host != ""
}

// SendConfirmation mails the email-verify link for a freshly registered or
// still unconfirmed account.
func (m *Mailer) SendConfirmation(to, username, baseURL, verifyToken string) error {
	return m.send(to, "Confirm your email", confirmationBody(username, baseURL, verifyToken))
}

// SendPasswordReset mails the password-reset token together with the
// endpoint it must be submitted to.
func (m *Mailer) SendPasswordReset(to, username, baseURL, resetToken string) error {
	return m.send(to, "Reset your password", resetBody(username, baseURL, resetToken))
}

func confirmationBody(username, baseURL, verifyToken string) string {
	return fmt.Sprintf(
		"Hi %s,\r\n\r\nConfirm your email address by opening the link below:\r\n%s/auth/confirmed_email/%s\r\n",
		username, strings.TrimRight(baseURL, "/"), verifyToken,
	)
}

func resetBody(username, baseURL, resetToken string) string {
	return fmt.Sprintf(
		"Hi %s,\r\n\r\nSubmit this token to %s/auth/change-password to set a new password:\r\n%s\r\n\r\nIf you did not request a reset, ignore this message.\r\n",
		username, strings.TrimRight(baseURL, "/"), resetToken,
	)
}

func (m *Mailer) send(to, subject, body string) error {
	if !m.Configured() {
		return nil
	}

	recipient := mail.Address{Address: to}
	msg := strings.Join([]string{
		"From: " + m.from.String(),
		"To: " + recipient.String(),
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	addr := net.JoinHostPort(m.host, fmt.Sprintf("%d", m.port))
	if m.useSSL {
		return m.sendSSL(addr, m.from.Address, to, msg)
	}
	return m.sendStartTLS(addr, m.from.Address, to, msg)
}

// sendStartTLS speaks plain SMTP and upgrades with STARTTLS when the server
// offers it (port 587 typical).
func (m *Mailer) sendStartTLS(addr, from, to, msg string) error {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}

	client, err := smtp.NewClient(conn, m.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: m.host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	return m.transmit(client, from, to, msg)
}

// sendSSL uses implicit TLS from the first byte (port 465 typical).
func (m *Mailer) sendSSL(addr, from, to, msg string) error {
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 10 * time.Second}, "tcp", addr, &tls.Config{ServerName: m.host})
	if err != nil {
		return fmt.Errorf("dial smtps: %w", err)
	}

	client, err := smtp.NewClient(conn, m.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create smtps client: %w", err)
	}
	defer client.Close()

	return m.transmit(client, from, to, msg)
}

func (m *Mailer) transmit(client *smtp.Client, from, to, msg string) error {
	if m.username != "" {
		auth := smtp.PlainAuth("", m.username, m.password, m.host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("write smtp body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close smtp body: %w", err)
	}

	return client.Quit()
}
