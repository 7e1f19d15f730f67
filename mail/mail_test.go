package mail

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorSendsMail(t *testing.T) {
	var mu sync.Mutex
	var gotAddr string
	var gotMsg string
	done := make(chan struct{})

	m := New("mailserver:25", "twice@example.com", "admin@example.com")
	m.send = func(addr, from string, to []string, msg []byte) error {
		mu.Lock()
		gotAddr, gotMsg = addr, string(msg)
		mu.Unlock()
		close(done)
		return nil
	}

	m.Error("something broke")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("mail never sent")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "mailserver:25", gotAddr)
	assert.True(t, strings.Contains(gotMsg, "Subject: Twice Exception"))
	assert.True(t, strings.Contains(gotMsg, "something broke"))
}

func TestErrorNilMailer(t *testing.T) {
	var m *Mailer
	m.Error("only logged") // must not panic
}
