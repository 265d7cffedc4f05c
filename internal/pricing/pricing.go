// Package pricing содержит реестр спринтов с авторитетными ценами.
package pricing

// Sprint описывает продукт: цену, валюту, длительность и ведущего.
// Сумма задаётся в основных единицах валюты (найры, не кобо).
type Sprint struct {
	ID            string
	Name          string
	Amount        int64
	Currency      string
	DurationDays  int
	FacilitatorID string
}

// defaultSprint применяется для неизвестных идентификаторов продуктов.
// Реестр предпочитает доступность строгой валидации: неизвестный id — это
// «цена базового тарифа», а не ошибка.
var defaultSprint = Sprint{
	ID:            "default",
	Name:          "Vectorise Sprint",
	Amount:        3000,
	Currency:      "NGN",
	DurationDays:  7,
	FacilitatorID: "coach-vectorise",
}

var catalog = map[string]Sprint{
	"focus-sprint": {
		ID:            "focus-sprint",
		Name:          "Focus Sprint",
		Amount:        3000,
		Currency:      "NGN",
		DurationDays:  7,
		FacilitatorID: "coach-adaeze",
	},
	"discipline-sprint": {
		ID:            "discipline-sprint",
		Name:          "Discipline Sprint",
		Amount:        5000,
		Currency:      "NGN",
		DurationDays:  14,
		FacilitatorID: "coach-emeka",
	},
	"clarity-sprint": {
		ID:            "clarity-sprint",
		Name:          "Clarity Sprint",
		Amount:        4500,
		Currency:      "NGN",
		DurationDays:  10,
		FacilitatorID: "coach-adaeze",
	},
	"momentum-sprint": {
		ID:            "momentum-sprint",
		Name:          "Momentum Sprint",
		Amount:        7500,
		Currency:      "NGN",
		DurationDays:  21,
		FacilitatorID: "coach-tunde",
	},
}

// Lookup возвращает спринт по идентификатору продукта.
// Для неизвестного идентификатора возвращается базовый тариф и known=false,
// чтобы вызывающая сторона могла залогировать подстановку.
func Lookup(productID string) (Sprint, bool) {
	if s, ok := catalog[productID]; ok {
		return s, true
	}

	s := defaultSprint
	if productID != "" {
		s.ID = productID
	}
	return s, false
}
