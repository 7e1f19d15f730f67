// Package mail ships error reports to the operators. A nil Mailer only
// logs, so every call site can stay unconditional.
package mail

import (
	"fmt"
	"net/smtp"

	log "github.com/sirupsen/logrus"
)

// Mailer sends diagnostic mail over plain SMTP.
type Mailer struct {
	Addr    string // host:port of the mail relay
	From    string
	To      string
	Subject string

	// send is stubbed by tests.
	send func(addr, from string, to []string, msg []byte) error
}

// New returns a Mailer talking to the given relay.
func New(addr, from, to string) *Mailer {
	return &Mailer{
		Addr:    addr,
		From:    from,
		To:      to,
		Subject: "Twice Exception",
		send: func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		},
	}
}

// Error logs msg and ships it to the operators in the background.
func (m *Mailer) Error(msg string) {
	log.Error(msg)
	if m == nil || m.Addr == "" {
		return
	}
	body := fmt.Sprintf("To: %s\r\nFrom: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		m.To, m.From, m.Subject, msg)
	go func() {
		if err := m.send(m.Addr, m.From, []string{m.To}, []byte(body)); err != nil {
			log.Errorf("Error mailing exception: %v", err)
		}
	}()
}
