package rally

// StepShift moves one existing step from one index to the next.
type StepShift struct {
	Ref  string
	From int
	To   int
}

// InsertPlan is the set of updates needed before creating a step at FinalIndex.
type InsertPlan struct {
	FinalIndex int
	// Shifts are ordered from the highest index down so no two steps share an
	// index while the plan is applied one update at a time.
	Shifts []StepShift
}

// PlanInsert computes where a new step lands among existing steps, which are
// expected in StepIndex order. A position below 1 or beyond the last step
// appends with no shifts.
func PlanInsert(existing []TestCaseStep, position int) InsertPlan {
	n := len(existing)
	if position < 1 || position > n {
		return InsertPlan{FinalIndex: n + 1}
	}

	plan := InsertPlan{FinalIndex: position}
	for i := n - 1; i >= 0; i-- {
		step := existing[i]
		if step.StepIndex < position {
			continue
		}
		plan.Shifts = append(plan.Shifts, StepShift{Ref: step.Ref, From: step.StepIndex, To: step.StepIndex + 1})
	}
	return plan
}
