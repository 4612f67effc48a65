package record

import (
	"math"

	"github.com/roach88/ioccore/internal/monitor"
)

// OutputPolicy is OOPT: when an output record drives its output.
type OutputPolicy int

const (
	EveryTime OutputPolicy = iota
	OnChange
	TransitionToZero
	TransitionToNonZero
	WhenZero
	WhenNonZero
)

// OutputPolicyChoices are the OOPT menu labels.
var OutputPolicyChoices = []string{
	"Every Time",
	"On Change",
	"Transition To Zero",
	"Transition To Non-zero",
	"When Zero",
	"When Non-zero",
}

func (p OutputPolicy) String() string {
	if p >= 0 && int(p) < len(OutputPolicyChoices) {
		return OutputPolicyChoices[p]
	}
	return "unknown"
}

// ShouldOutput applies an output policy. val is the new VAL, pval the VAL
// of the previous pass, and baseline the VAL at the last executed output.
// On Change fires when val has moved more than mdel from the baseline,
// with NaN and infinity transitions counting as a change.
func ShouldOutput(p OutputPolicy, val, pval, baseline, mdel float64) bool {
	switch p {
	case EveryTime:
		return true
	case OnChange:
		last := baseline
		var mask monitor.Mask
		return monitor.CheckDeadband(&last, val, mdel, &mask, monitor.Value)
	case TransitionToZero:
		return pval != 0 && val == 0
	case TransitionToNonZero:
		return pval == 0 && val != 0 && !math.IsNaN(val)
	case WhenZero:
		return val == 0
	case WhenNonZero:
		return val != 0 && !math.IsNaN(val)
	}
	return false
}
