package alarm

import "math"

// Limits are the four analog alarm thresholds and their severities.
// A limit whose severity is NoAlarm is disabled.
type Limits struct {
	HiHi, High, Low, LoLo float64
	HHSV, HSV, LSV, LLSV  Severity
}

// Result is the outcome of Evaluate.
type Result struct {
	Severity Severity
	Status   Status
	// LALM is the new last-alarmed value the caller should persist.
	LALM float64
}

// Evaluate checks value against lim with hysteresis. It is pure: the caller
// decides what to do with the result (see Apply).
//
// An undefined value (udf set, or NaN) short-circuits with udfs/UDF and
// leaves lalm unchanged. Otherwise HIHI, LOLO, HIGH and LOW are tested in
// that order and the first violated limit wins. A limit that was the last
// alarmed value stays violated until value moves hyst past it.
func Evaluate(value float64, udf bool, udfs Severity, lim Limits, lalm, hyst float64) Result {
	if udf || math.IsNaN(value) {
		return Result{Severity: udfs, Status: StatusUDF, LALM: lalm}
	}

	if upper(value, lim.HiHi, lim.HHSV, lalm, hyst) {
		return Result{Severity: lim.HHSV, Status: StatusHiHi, LALM: lim.HiHi}
	}
	if lower(value, lim.LoLo, lim.LLSV, lalm, hyst) {
		return Result{Severity: lim.LLSV, Status: StatusLoLo, LALM: lim.LoLo}
	}
	if upper(value, lim.High, lim.HSV, lalm, hyst) {
		return Result{Severity: lim.HSV, Status: StatusHigh, LALM: lim.High}
	}
	if lower(value, lim.Low, lim.LSV, lalm, hyst) {
		return Result{Severity: lim.LSV, Status: StatusLow, LALM: lim.Low}
	}
	return Result{Severity: NoAlarm, Status: StatusNone, LALM: value}
}

func upper(value, limit float64, sevr Severity, lalm, hyst float64) bool {
	if sevr == NoAlarm {
		return false
	}
	return value >= limit || (lalm == limit && value >= limit-hyst)
}

func lower(value, limit float64, sevr Severity, lalm, hyst float64) bool {
	if sevr == NoAlarm {
		return false
	}
	return value <= limit || (lalm == limit && value <= limit+hyst)
}

// Apply raises r into p and updates *lalm. A clean result always resets the
// hysteresis baseline; a violation moves it only when the raise took effect,
// so a stronger condition raised earlier in the pass keeps the old baseline.
func (r Result) Apply(p *Pending, lalm *float64) {
	if r.Severity == NoAlarm {
		*lalm = r.LALM
		return
	}
	if p.Raise(r.Status, r.Severity, "") && r.Status != StatusUDF {
		*lalm = r.LALM
	}
}
