package domain

import "fmt"

// Tier is one rung of the scale-out ladder: a fraction of the position
// exited at a given reward multiple of the initial stop distance.
type Tier struct {
	Fraction       float64 // share of the filled quantity, (0, 1]
	RewardMultiple float64 // target distance as a multiple of stop distance
}

// PartialProfitPlan is the ordered scale-out ladder. It is fixed at
// configuration time; per-position integer quantities are resolved once
// from the actual entry fill via TierQuantities.
type PartialProfitPlan struct {
	Tiers []Tier
}

// Validate checks the ladder is usable: at least one tier, fractions in
// (0, 1] summing to 1, reward multiples positive and increasing.
func (p PartialProfitPlan) Validate() error {
	if len(p.Tiers) == 0 {
		return fmt.Errorf("profit plan has no tiers")
	}
	sum := 0.0
	prev := 0.0
	for i, t := range p.Tiers {
		if t.Fraction <= 0 || t.Fraction > 1 {
			return fmt.Errorf("tier %d fraction %.4f out of range (0, 1]", i+1, t.Fraction)
		}
		if t.RewardMultiple <= prev {
			return fmt.Errorf("tier %d reward multiple %.2f must exceed previous tier", i+1, t.RewardMultiple)
		}
		prev = t.RewardMultiple
		sum += t.Fraction
	}
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("tier fractions sum to %.4f, want 1.0", sum)
	}
	return nil
}

// TierAlloc is a resolved tier: an integer quantity at a reward multiple.
type TierAlloc struct {
	Tier           int // 1-based index into the original plan
	Quantity       int
	RewardMultiple float64
}

// TierQuantities splits filledQty across the ladder. Non-final tiers
// truncate down; the final tier takes the full remainder so the sum is
// exact. A non-final tier whose truncated quantity would be zero is
// dropped and its fraction rolled into the next tier before that tier
// is split. The result never contains a zero-quantity allocation.
func (p PartialProfitPlan) TierQuantities(filledQty int) []TierAlloc {
	if filledQty <= 0 || len(p.Tiers) == 0 {
		return nil
	}

	allocs := make([]TierAlloc, 0, len(p.Tiers))
	allocated := 0
	carry := 0.0
	for i, t := range p.Tiers {
		if i == len(p.Tiers)-1 {
			// Runner takes the remainder.
			if rem := filledQty - allocated; rem > 0 {
				allocs = append(allocs, TierAlloc{Tier: i + 1, Quantity: rem, RewardMultiple: t.RewardMultiple})
			}
			break
		}
		frac := t.Fraction + carry
		qty := int(float64(filledQty) * frac)
		if qty == 0 {
			carry = frac
			continue
		}
		carry = 0
		allocs = append(allocs, TierAlloc{Tier: i + 1, Quantity: qty, RewardMultiple: t.RewardMultiple})
		allocated += qty
	}
	return allocs
}

// TargetPrice returns the tier's exit level for a position entered at
// entry with the given initial stop distance.
func TargetPrice(side OrderSide, entry, stopDistance, rewardMultiple float64) float64 {
	if side == Buy {
		return entry + stopDistance*rewardMultiple
	}
	return entry - stopDistance*rewardMultiple
}
