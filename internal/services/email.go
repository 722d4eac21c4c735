package services

import (
	"fmt"
	"html"
	"net/smtp"

	"github.com/dimitrije/taskflow-api/internal/config"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailService sends notification mail over SMTP. Without a complete SMTP
// configuration every send is a no-op.
type EmailService struct {
	cfg      config.SMTPConfig
	sendMail sendMailFunc
}

func NewEmailService(cfg config.SMTPConfig) *EmailService {
	return &EmailService{cfg: cfg, sendMail: smtp.SendMail}
}

func (s *EmailService) IsConfigured() bool {
	return s.cfg.Host != "" && s.cfg.Username != "" && s.cfg.Password != "" && s.cfg.From != ""
}

func (s *EmailService) Send(to, subject, body string) error {
	if !s.IsConfigured() {
		return nil
	}

	addr := fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port)
	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=\"UTF-8\"\r\n\r\n%s",
		s.cfg.From, to, subject, body)

	if err := s.sendMail(addr, auth, s.cfg.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("send mail to %s: %w", to, err)
	}
	return nil
}

// SendProjectInvite tells a user they were invited to a team project.
func (s *EmailService) SendProjectInvite(to, projectTitle, inviterName, inviteURL string) error {
	subject := fmt.Sprintf("You've been invited to %s", projectTitle)
	body := fmt.Sprintf(`
		<html>
		<body>
			<h2>Project invitation</h2>
			<p>Hi,</p>
			<p><strong>%s</strong> has invited you to work on <strong>%s</strong>.</p>
			<p><a href="%s">Open the invitation to accept or decline</a></p>
		</body>
		</html>
	`, html.EscapeString(inviterName), html.EscapeString(projectTitle), html.EscapeString(inviteURL))

	return s.Send(to, subject, body)
}
