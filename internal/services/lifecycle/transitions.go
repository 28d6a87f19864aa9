package lifecycle

import "github.com/BearBump/WayBill/internal/models"

// allowedFrom задаёт, из каких статусов разрешён переход в данный.
// Движение строго вперёд по цепочке PENDING -> IN_TRANSIT ->
// OUT_FOR_DELIVERY -> DELIVERED (пропуск шагов разрешён), CANCELED
// достижим из любого нетерминального статуса. Из DELIVERED и CANCELED
// переходов нет.
var allowedFrom = map[string][]string{
	models.StatusInTransit:      {models.StatusPending},
	models.StatusOutForDelivery: {models.StatusPending, models.StatusInTransit},
	models.StatusDelivered:      {models.StatusPending, models.StatusInTransit, models.StatusOutForDelivery},
	models.StatusCanceled:       {models.StatusPending, models.StatusInTransit, models.StatusOutForDelivery},
}

func fromStatuses(newStatus string) ([]string, bool) {
	from, ok := allowedFrom[newStatus]
	return from, ok
}
