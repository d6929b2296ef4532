// Package stock checks and plans inventory commitment for a settled order.
//
// Check is pure: it never touches the catalog, so callers evaluate every
// requirement before issuing a single decrement.
package stock

import (
	"fmt"
	"slices"
	"strings"
)

// Requirement is the quantity of one product an order needs.
type Requirement struct {
	ProductID string
	Name      string
	Quantity  int
}

// Decrement is a single stock decrement to apply during commitment.
type Decrement struct {
	ProductID string
	Quantity  int
}

// ShortageError lists every product whose stock cannot cover the order.
type ShortageError struct {
	Products []string
}

func (e *ShortageError) Error() string {
	return fmt.Sprintf("the following product(s) are out of stock: %s", strings.Join(e.Products, ", "))
}

// Check reports a *ShortageError naming every product whose total required
// quantity exceeds the available level, in first-appearance order. Products
// missing from levels have no stock.
func Check(reqs []Requirement, levels map[string]int) error {
	totals := make(map[string]int, len(reqs))
	for _, r := range reqs {
		totals[r.ProductID] += r.Quantity
	}

	var short []string
	seen := make(map[string]struct{})
	for _, r := range reqs {
		if _, ok := seen[r.ProductID]; ok {
			continue
		}
		seen[r.ProductID] = struct{}{}
		if totals[r.ProductID] > levels[r.ProductID] {
			short = append(short, r.Name)
		}
	}
	if len(short) > 0 {
		return &ShortageError{Products: short}
	}
	return nil
}

// Plan merges requirements per product and orders the result by product ID,
// which is also the order rows must be locked in.
func Plan(reqs []Requirement) []Decrement {
	totals := make(map[string]int, len(reqs))
	for _, r := range reqs {
		totals[r.ProductID] += r.Quantity
	}

	out := make([]Decrement, 0, len(totals))
	for id, qty := range totals {
		out = append(out, Decrement{ProductID: id, Quantity: qty})
	}
	slices.SortFunc(out, func(a, b Decrement) int {
		return strings.Compare(a.ProductID, b.ProductID)
	})
	return out
}

// ProductIDs returns the distinct product IDs of reqs in ascending order.
func ProductIDs(reqs []Requirement) []string {
	plan := Plan(reqs)
	ids := make([]string, len(plan))
	for i, d := range plan {
		ids[i] = d.ProductID
	}
	return ids
}
