package whatsapp

import "context"

// Sink — непрозрачный HTTP-получатель уведомлений. Одна попытка на вызов,
// таймаут — забота вызывающего клиента, ошибка всегда восстановима через
// очередь ретраев.
type Sink interface {
	Send(ctx context.Context, recipientHandle, replyToMessageID, text string) error
}
