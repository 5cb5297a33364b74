package engine

import (
	"time"

	"github.com/sells-group/autonomy-engine/internal/config"
	"github.com/sells-group/autonomy-engine/internal/model"
)

// Window-score component weights. clean approvals dominate; rejections and
// undos erode the score.
const (
	weightClean     = 0.5
	weightRejection = 0.3
	weightUndo      = 0.2
)

// ratio returns num/den as a pointer, or nil when the denominator is zero.
// Rates are undefined, not zero, in the absence of evidence.
func ratio(num, den int) *float64 {
	if den == 0 {
		return nil
	}
	v := float64(num) / float64(den)
	return &v
}

// RecomputeRates refreshes the counter-derived rate fields on a record.
// TotalApproved includes edited approvals, matching the ingestion counters;
// the clean rate subtracts them back out.
func RecomputeRates(rec *model.ConfidenceRecord) {
	reviewed := rec.TotalApproved + rec.TotalRejected
	plainApproved := rec.TotalApproved - rec.TotalEdited

	rec.ApprovalRate = ratio(rec.TotalApproved, reviewed)
	rec.CleanApprovalRate = ratio(plainApproved, reviewed)
	rec.EditRate = ratio(rec.TotalEdited, rec.TotalApproved)
	rec.RejectionRate = ratio(rec.TotalRejected, reviewed)
	rec.UndoRate = ratio(rec.TotalUndone, rec.TotalApproved+rec.TotalAutoExecuted)
}

// WindowScore computes the composite confidence score over a trailing
// signal window:
//
//	0.5*clean_approval + 0.3*(1-rejection) + 0.2*(1-undo)
//
// A term whose denominator has no data contributes zero rather than its
// full weight: absence of evidence neither penalizes nor rewards. Returns
// nil for an empty window.
func WindowScore(w model.WindowCounts) *float64 {
	if w.Total() == 0 {
		return nil
	}

	reviewed := w.Approved + w.Edited + w.Rejected
	undoDen := w.Approved + w.Edited + w.AutoExecuted

	var score float64
	if reviewed > 0 {
		clean := float64(w.Approved) / float64(reviewed)
		rejection := float64(w.Rejected) / float64(reviewed)
		score += weightClean * clean
		score += weightRejection * (1 - rejection)
	}
	if undoDen > 0 {
		undo := float64(w.Undone) / float64(undoDen)
		score += weightUndo * (1 - undo)
	}
	return &score
}

// BlendScore folds a fresh window score into the long-run score with an
// exponentially-weighted blend: a single bad day moves the score, a
// sustained trend flips it.
func BlendScore(prev, window *float64, alpha float64) *float64 {
	switch {
	case window == nil:
		return prev
	case prev == nil:
		v := *window
		return &v
	default:
		v := alpha**window + (1-alpha)**prev
		return &v
	}
}

// ApplySignal folds one signal into a record's counters. Deduplication has
// already happened upstream; every call is a distinct signal.
func ApplySignal(rec *model.ConfidenceRecord, sig model.Signal) {
	occurred := sig.OccurredAt.UTC()

	// Distinct-day tracking: increment when the signal lands on a calendar
	// day not seen before. Assumes roughly ordered arrival; the sweep
	// recomputes the exact distinct count.
	if rec.TotalSignals == 0 {
		rec.DaysActive = 1
	} else if rec.LastSignalAt != nil && !sameUTCDate(*rec.LastSignalAt, occurred) && occurred.After(*rec.LastSignalAt) {
		rec.DaysActive++
	}

	rec.TotalSignals++
	switch sig.Kind {
	case model.SignalApproved:
		rec.TotalApproved++
	case model.SignalApprovedEdited:
		rec.TotalApproved++
		rec.TotalEdited++
	case model.SignalRejected:
		rec.TotalRejected++
	case model.SignalUndone:
		rec.TotalUndone++
	case model.SignalAutoExecuted:
		rec.TotalAutoExecuted++
	case model.SignalExpired:
		rec.TotalExpired++
	}

	if rec.FirstSignalAt == nil || occurred.Before(*rec.FirstSignalAt) {
		rec.FirstSignalAt = &occurred
	}
	if rec.LastSignalAt == nil || occurred.After(*rec.LastSignalAt) {
		rec.LastSignalAt = &occurred
	}

	RecomputeRates(rec)
}

// Rescore recomputes the windowed fields during a sweep: the trailing
// window composite, the blended long-run score, and the authoritative
// distinct-day count.
func Rescore(rec *model.ConfidenceRecord, w model.WindowCounts, distinctDays int, cfg config.EngineConfig, now time.Time) {
	rec.Last30Score = WindowScore(w)
	rec.Score = BlendScore(rec.Score, rec.Last30Score, cfg.BlendAlpha)
	if distinctDays > 0 {
		rec.DaysActive = distinctDays
	}
	RecomputeRates(rec)
	swept := now.UTC()
	rec.SweptAt = &swept
}

func sameUTCDate(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
