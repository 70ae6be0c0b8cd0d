package service

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-wf-approvals/internal/apperr"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
)

var hundred = decimal.NewFromInt(100)

// Breakdown is the weighted approval state of one step for one request.
type Breakdown struct {
	TotalWeight    int
	ApprovedWeight int
	RejectedWeight int
	Percentage     decimal.Decimal // approved/total × 100, 2dp
	Threshold      decimal.Decimal
	Met            bool
	// HardFailed: a rejection landed on a step that does not allow partial
	// approval; the step fails regardless of accumulated weight.
	HardFailed bool
	// Unreachable: with rejected approvers' weight removed from the
	// achievable pool, the threshold can no longer be crossed.
	Unreachable bool
}

// RemainingApprovals describes the minimal extra weight needed to cross a
// step's threshold and a greedy candidate set that could supply it.
type RemainingApprovals struct {
	WeightNeeded int
	Candidates   []repository.ApproverSpec
}

// WeightageCalculator computes weighted/partial approval state. All percentage
// arithmetic is fixed-point decimal at two places.
type WeightageCalculator struct{}

// NewWeightageCalculator creates a WeightageCalculator.
func NewWeightageCalculator() *WeightageCalculator {
	return &WeightageCalculator{}
}

// ApprovalBreakdown computes the breakdown for a step given its effective
// approver specs and the request-scoped votes recorded so far.
func (c *WeightageCalculator) ApprovalBreakdown(
	step repository.ApprovalStep,
	specs []repository.ApproverSpec,
	votes []*repository.ApprovalVote,
) Breakdown {
	b := Breakdown{Threshold: step.MinApprovalPercent}

	for _, spec := range specs {
		b.TotalWeight += spec.Weight
	}
	for _, vote := range votes {
		switch vote.Decision {
		case repository.VoteApproved:
			b.ApprovedWeight += vote.WeightAtTime
		case repository.VoteRejected:
			b.RejectedWeight += vote.WeightAtTime
		}
	}

	if b.TotalWeight > 0 {
		b.Percentage = decimal.NewFromInt(int64(b.ApprovedWeight)).
			Div(decimal.NewFromInt(int64(b.TotalWeight))).
			Mul(hundred).
			Round(2)
	} else {
		b.Percentage = decimal.Zero
	}

	b.Met = b.TotalWeight > 0 && b.Percentage.GreaterThanOrEqual(b.Threshold)

	if b.RejectedWeight > 0 {
		if !step.AllowsPartialApproval {
			b.HardFailed = true
		} else if b.TotalWeight > 0 {
			// The rejecter's weight never comes back; check whether the
			// remaining pool can still reach the threshold.
			achievable := decimal.NewFromInt(int64(b.TotalWeight - b.RejectedWeight)).
				Div(decimal.NewFromInt(int64(b.TotalWeight))).
				Mul(hundred).
				Round(2)
			b.Unreachable = achievable.LessThan(b.Threshold)
		}
	}

	return b
}

// RemainingNeeded returns the minimal additional weight required to cross the
// threshold and which not-yet-voted approvers could supply it, largest weight
// first. A greedy suggestion, not an optimization guarantee.
func (c *WeightageCalculator) RemainingNeeded(
	step repository.ApprovalStep,
	specs []repository.ApproverSpec,
	votes []*repository.ApprovalVote,
) RemainingApprovals {
	b := c.ApprovalBreakdown(step, specs, votes)
	if b.Met || b.TotalWeight == 0 {
		return RemainingApprovals{}
	}

	// weight needed = ceil(threshold × total / 100) − approved
	required := b.Threshold.
		Mul(decimal.NewFromInt(int64(b.TotalWeight))).
		Div(hundred).
		Ceil().
		IntPart()
	needed := int(required) - b.ApprovedWeight
	if needed <= 0 {
		return RemainingApprovals{}
	}

	voted := make(map[string]struct{}, len(votes))
	for _, v := range votes {
		voted[v.SpecID] = struct{}{}
	}

	var open []repository.ApproverSpec
	for _, spec := range specs {
		if _, ok := voted[spec.ID]; !ok {
			open = append(open, spec)
		}
	}
	sort.SliceStable(open, func(i, j int) bool { return open[i].Weight > open[j].Weight })

	out := RemainingApprovals{WeightNeeded: needed}
	sum := 0
	for _, spec := range open {
		if sum >= needed {
			break
		}
		out.Candidates = append(out.Candidates, spec)
		sum += spec.Weight
	}
	return out
}

// ValidateDistribution flags degenerate weight configurations. Informational
// only, never blocking.
func (c *WeightageCalculator) ValidateDistribution(steps []repository.StepWithApprovers) []string {
	var findings []string
	for _, sw := range steps {
		total := 0
		max := 0
		for _, spec := range sw.Approvers {
			total += spec.Weight
			if spec.Weight > max {
				max = spec.Weight
			}
		}
		if len(sw.Approvers) > 0 && total == 0 {
			findings = append(findings, fmt.Sprintf(
				"step %d (%s): total weight is 0; no positive threshold can ever be met", sw.Step.Sequence, sw.Step.Name))
			continue
		}
		if sw.Step.MinApprovalPercent.Equal(hundred) && len(sw.Approvers) > 1 && max == total {
			findings = append(findings, fmt.Sprintf(
				"step %d (%s): a single approver carries the entire weight", sw.Step.Sequence, sw.Step.Name))
		}
	}
	return findings
}

// SuggestDistribution proposes weights for count approvers.
// Strategies: equal (100 split, remainder to first), hierarchical (decreasing),
// majority-one (51 to the first, remainder split).
func (c *WeightageCalculator) SuggestDistribution(count int, strategy string) ([]int, error) {
	if count <= 0 {
		return nil, apperr.InvalidInput("count", "must be positive")
	}

	switch strategy {
	case "equal":
		base := 100 / count
		weights := make([]int, count)
		for i := range weights {
			weights[i] = base
		}
		weights[0] += 100 - base*count
		return weights, nil

	case "hierarchical":
		// Decreasing shares proportional to rank: count, count-1, ..., 1.
		denom := count * (count + 1) / 2
		weights := make([]int, count)
		assigned := 0
		for i := 0; i < count; i++ {
			weights[i] = 100 * (count - i) / denom
			assigned += weights[i]
		}
		weights[0] += 100 - assigned
		return weights, nil

	case "majority-one":
		weights := make([]int, count)
		weights[0] = 51
		if count == 1 {
			weights[0] = 100
			return weights, nil
		}
		rest := 49 / (count - 1)
		for i := 1; i < count; i++ {
			weights[i] = rest
		}
		weights[1] += 49 - rest*(count-1)
		return weights, nil
	}

	return nil, apperr.Newf(apperr.ErrCodeInvalidInput, "unknown strategy %q", strategy)
}
