package extraction

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gitlab.ozon.dev/qwestard/chaindelivery/internal/models"
)

const (
	DefaultRestaurant = "Local Restaurant"
	DefaultDish       = "Food Item"
	DefaultUrgency    = "Normal"
	DefaultBasePrice  = 120.0
)

// DishKeywords is scanned in order; the first keyword found in the text wins.
var DishKeywords = []string{"dosa", "burger", "pizza", "biryani", "chicken", "naan", "rice", "curry"}

var basePrices = map[string]float64{
	"burger":  180,
	"biryani": 200,
	"pizza":   250,
}

var (
	fromRe     = regexp.MustCompile(`(?i)from\s+(.+)`)
	forClause  = regexp.MustCompile(`(?i)\s+for(\s.*)?$`)
	integerRe  = regexp.MustCompile(`\d+`)
	punctTrim  = ".,!?;:"
	windowSize = 3
)

// Extractor turns a free-text order into a structured one.
type Extractor interface {
	Extract(ctx context.Context, prompt, location string) (models.ExtractedOrder, error)
}

type ExtractorFunc func(ctx context.Context, prompt, location string) (models.ExtractedOrder, error)

func (f ExtractorFunc) Extract(ctx context.Context, prompt, location string) (models.ExtractedOrder, error) {
	return f(ctx, prompt, location)
}

// Heuristic is the keyword based extractor.
type Heuristic struct{}

func (Heuristic) Extract(_ context.Context, prompt, location string) (models.ExtractedOrder, error) {
	return Extract(prompt, location), nil
}

// Extract applies the rules in fixed order: restaurant, dish, quantity, price.
func Extract(prompt, location string) models.ExtractedOrder {
	dish, keyword := dishOf(prompt)
	qty := quantityOf(prompt)
	return models.ExtractedOrder{
		Restaurant:       restaurantOf(prompt),
		Dish:             dish,
		Quantity:         qty,
		EstimatedPrice:   PriceFor(keyword, qty),
		DeliveryLocation: location,
		Urgency:          DefaultUrgency,
	}
}

func restaurantOf(text string) string {
	m := fromRe.FindStringSubmatch(text)
	if m == nil {
		return DefaultRestaurant
	}
	words := strings.Fields(m[1])
	if len(words) > windowSize {
		words = words[:windowSize]
	}
	name := forClause.ReplaceAllString(" "+strings.Join(words, " "), "")
	name = strings.TrimRight(strings.TrimSpace(name), punctTrim)
	if name == "" {
		return DefaultRestaurant
	}
	return name
}

// dishOf returns the dish text and the keyword that matched it.
func dishOf(text string) (string, string) {
	lower := strings.ToLower(text)
	words := strings.Fields(text)
	for _, kw := range DishKeywords {
		if !strings.Contains(lower, kw) {
			continue
		}
		for i, w := range words {
			if !strings.Contains(strings.ToLower(w), kw) {
				continue
			}
			start := i - (windowSize - 1)
			if start < 0 {
				start = 0
			}
			window := make([]string, 0, windowSize)
			for _, ww := range words[start : i+1] {
				window = append(window, strings.TrimRight(ww, punctTrim))
			}
			return strings.Join(window, " "), kw
		}
	}
	return DefaultDish, ""
}

func quantityOf(text string) int {
	lit := integerRe.FindString(text)
	if lit == "" {
		return 1
	}
	n, err := strconv.Atoi(lit)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// PriceFor is the base price of the dish keyword times quantity.
func PriceFor(keyword string, qty int) float64 {
	base, ok := basePrices[keyword]
	if !ok {
		base = DefaultBasePrice
	}
	return base * float64(qty)
}

// Delayed wraps an extractor with a fixed latency, which paces the review step.
func Delayed(next Extractor, delay time.Duration) Extractor {
	return ExtractorFunc(func(ctx context.Context, prompt, location string) (models.ExtractedOrder, error) {
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return models.ExtractedOrder{}, ctx.Err()
			case <-t.C:
			}
		}
		return next.Extract(ctx, prompt, location)
	})
}
