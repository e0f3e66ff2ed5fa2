// Package pricing считает снимок позиций и итоговые суммы заказа.
//
// Округление half-up до двух знаков выполняется на каждом шаге агрегации
// (позиция, подытог, скидка, итог), как в минимальных денежных единицах.
package pricing

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// RawItem: позиция корзины в том виде, в каком её прислал клиент.
type RawItem struct {
	ItemID   string  `json:"itemId"`
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
}

// Result: снимок позиций и расчёт цены заказа.
type Result struct {
	Items   []domain.OrderItem
	Pricing domain.Pricing
}

// Compute строит снимок позиций и итоговые суммы. Функция чистая: без I/O и состояния.
func Compute(items []RawItem, discount float64) (Result, error) {
	if len(items) == 0 {
		return Result{}, domain.Validationf("items must not be empty")
	}
	if !finite(discount) || discount < 0 {
		return Result{}, domain.Validationf("discount must be a non-negative number")
	}

	snapshot := make([]domain.OrderItem, 0, len(items))
	subTotal := decimal.Zero
	for i, item := range items {
		if strings.TrimSpace(item.ItemID) == "" || strings.TrimSpace(item.Name) == "" {
			return Result{}, domain.Validationf("items[%d]: itemId and name are required", i)
		}
		if !finite(item.Price) || item.Price < 0 {
			return Result{}, domain.Validationf("items[%d]: price must be a non-negative number", i)
		}
		if item.Quantity < 1 {
			return Result{}, domain.Validationf("items[%d]: quantity must be at least 1", i)
		}

		price := decimal.NewFromFloat(item.Price)
		lineTotal := round2(price.Mul(decimal.NewFromInt(int64(item.Quantity))))
		subTotal = subTotal.Add(lineTotal)

		snapshot = append(snapshot, domain.OrderItem{
			ItemID:   item.ItemID,
			Name:     item.Name,
			Price:    item.Price,
			Quantity: item.Quantity,
			Total:    lineTotal.InexactFloat64(),
		})
	}

	subTotal = round2(subTotal)
	disc := round2(decimal.NewFromFloat(discount))
	total := round2(decimal.Max(decimal.Zero, subTotal.Sub(disc)))

	return Result{
		Items: snapshot,
		Pricing: domain.Pricing{
			SubTotal:    subTotal.InexactFloat64(),
			Discount:    disc.InexactFloat64(),
			TotalAmount: total.InexactFloat64(),
		},
	}, nil
}

// MinorUnits переводит сумму в минимальные денежные единицы: round(amount * 100).
func MinorUnits(amount float64) int64 {
	return decimal.NewFromFloat(amount).Mul(hundred).Round(0).IntPart()
}

// round2 — half-up для неотрицательных сумм (decimal округляет half away from zero).
func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
