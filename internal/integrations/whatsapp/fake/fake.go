package fake

import (
	"context"
	"sync"
)

// FakeSink — локальная заглушка WhatsApp для тестов и dev-окружения без
// токена. Запоминает отправленное, опционально отдаёт ошибку.
type FakeSink struct {
	mu       sync.Mutex
	sent     []Sent
	attempts int
	err      error
}

type Sent struct {
	RecipientHandle  string
	ReplyToMessageID string
	Text             string
}

func New() *FakeSink { return &FakeSink{} }

func (f *FakeSink) FailWith(err error) *FakeSink {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	return f
}

func (f *FakeSink) Send(ctx context.Context, recipientHandle, replyToMessageID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, Sent{
		RecipientHandle:  recipientHandle,
		ReplyToMessageID: replyToMessageID,
		Text:             text,
	})
	return nil
}

func (f *FakeSink) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Sent, len(f.sent))
	copy(out, f.sent)
	return out
}

// Attempts считает все вызовы Send, включая неуспешные.
func (f *FakeSink) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}
