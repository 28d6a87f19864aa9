package dedup

import (
	"context"
	"log/slog"

	"github.com/BearBump/WayBill/internal/models"
)

type Finder interface {
	FindExactManifest(ctx context.Context, key models.ManifestKey) (string, bool, error)
}

// Gate отсекает повторные манифесты до создания отправления. Сверка
// строгая по четырём полям и только среди активных записей: после
// архивации та же четвёрка снова валидна.
type Gate struct {
	finder Finder
}

func New(finder Finder) *Gate {
	return &Gate{finder: finder}
}

// Check возвращает ErrDuplicateManifest и tracking id существующего
// отправления, если манифест уже зарегистрирован. Ошибка хранилища
// трактуется как "не дубликат": лишнее отправление дешевле потерянного.
func (g *Gate) Check(ctx context.Context, m models.Manifest) (string, error) {
	trackingID, found, err := g.finder.FindExactManifest(ctx, m.Key())
	if err != nil {
		slog.Error("dedup lookup failed, passing manifest through",
			"receiver_name", m.ReceiverName, "error", err.Error())
		return "", nil
	}
	if found {
		return trackingID, models.ErrDuplicateManifest
	}
	return "", nil
}
