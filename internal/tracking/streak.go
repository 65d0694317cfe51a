package tracking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Streak is the read view of a StreakInterval row.
type Streak struct {
	UserID      UserID
	Start       Day
	End         *Day
	LastCounted Day
	Length      int
	Active      bool
}

// StreakOutcome summarizes one streak recomputation.
type StreakOutcome struct {
	WindowStart Day
	Intervals   []Streak
	Active      *Streak
	Recovered   bool
}

// dailyTotal is one replayed point of a user's history.
type dailyTotal struct {
	day   Day
	total int64
}

// streakRun is the replay state for one interval.
type streakRun struct {
	start       Day
	lastCounted Day
	length      int
	closed      bool
}

// replay folds ascending daily totals into streak runs. A zero or missing day
// never closes a run by itself; the run closes only when a later nonzero day
// arrives after a gap. The final unclosed run, if any, is returned last.
func replay(totals []dailyTotal) []streakRun {
	var runs []streakRun
	var open *streakRun
	for _, entry := range totals {
		if entry.total <= 0 {
			continue
		}
		if open == nil {
			open = &streakRun{start: entry.day, lastCounted: entry.day, length: 1}
			continue
		}
		switch gap := entry.day.DaysSince(open.lastCounted); {
		case gap <= 0:
			// same day observed again
		case gap == 1:
			open.lastCounted = entry.day
			open.length++
		default:
			open.closed = true
			runs = append(runs, *open)
			open = &streakRun{start: entry.day, lastCounted: entry.day, length: 1}
		}
	}
	if open != nil {
		runs = append(runs, *open)
	}
	return runs
}

// StreakEngine maintains a user's streak intervals from their stored daily totals.
type StreakEngine struct {
	store  Store
	clock  func() time.Time
	logger *zap.Logger
}

// NewStreakEngine constructs the engine on the provided storage port.
func NewStreakEngine(store Store, clock func() time.Time, logger *zap.Logger) (*StreakEngine, error) {
	if store == nil {
		return nil, newServiceError(opServiceNew, reasonMissingStore, nil, errMissingStore)
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &StreakEngine{store: store, clock: clock, logger: logger}, nil
}

// RecomputeStreaks replays the user's history from fromDay in its own transaction.
func (engine *StreakEngine) RecomputeStreaks(ctx context.Context, userID UserID, fromDay Day) (StreakOutcome, error) {
	var outcome StreakOutcome
	err := engine.store.Transaction(ctx, func(store Store) error {
		computed, recomputeErr := engine.recomputeStreaks(ctx, store, userID, fromDay)
		outcome = computed
		return recomputeErr
	})
	if err != nil {
		return StreakOutcome{}, err
	}
	return outcome, nil
}

// recomputeStreaks replays from fromDay and falls back to a full-history replay
// when the stored interval anchoring the window contradicts the stored totals.
func (engine *StreakEngine) recomputeStreaks(ctx context.Context, store Store, userID UserID, fromDay Day) (StreakOutcome, error) {
	if fromDay.IsZero() {
		return StreakOutcome{}, newServiceError(opRecomputeStreaks, reasonInvalidInput, ErrValidation, fmt.Errorf("%w: empty", ErrInvalidDay))
	}
	outcome, err := engine.replayWindow(ctx, store, userID, fromDay)
	if err == nil || !errors.Is(err, ErrConsistency) {
		return outcome, err
	}

	engine.logger.Warn("streak anchor inconsistent, replaying full history",
		zap.String(fieldUserID, userID.String()),
		zap.String(fieldFromDay, fromDay.String()),
		zap.Error(err))
	outcome, err = engine.replayAll(ctx, store, userID)
	if err != nil {
		return StreakOutcome{}, err
	}
	outcome.Recovered = true
	return outcome, nil
}

func (engine *StreakEngine) replayWindow(ctx context.Context, store Store, userID UserID, fromDay Day) (StreakOutcome, error) {
	active, err := store.ListActiveStreaks(ctx, userID)
	if err != nil {
		return StreakOutcome{}, classifyStorageError(opRecomputeStreaks, reasonQueryFailed, err)
	}
	if len(active) > 1 {
		return StreakOutcome{}, newServiceError(opRecomputeStreaks, reasonAnchorInvalid, ErrConsistency,
			fmt.Errorf("%d active intervals", len(active)))
	}

	anchor, err := store.FindStreakAnchor(ctx, userID, fromDay)
	if err != nil {
		return StreakOutcome{}, classifyStorageError(opRecomputeStreaks, reasonQueryFailed, err)
	}

	// The anchor is replayed even when closed well before fromDay: its closing
	// day may lie inside the window and no longer be nonzero.
	windowStart := fromDay
	var anchorRun *streakRun
	if anchor != nil {
		run, parseErr := runFromInterval(*anchor)
		if parseErr != nil {
			return StreakOutcome{}, newServiceError(opRecomputeStreaks, reasonAnchorInvalid, ErrConsistency, parseErr)
		}
		anchorRun = &run
		windowStart = run.start
	}
	if len(active) == 1 && active[0].StartDay < fromDay.String() &&
		(anchor == nil || anchor.StartDay != active[0].StartDay) {
		return StreakOutcome{}, newServiceError(opRecomputeStreaks, reasonAnchorInvalid, ErrConsistency,
			fmt.Errorf("active interval starting %s is not the latest interval", active[0].StartDay))
	}

	totals, err := engine.loadTotals(ctx, store, userID, DayRange{From: windowStart})
	if err != nil {
		return StreakOutcome{}, err
	}
	if anchorRun != nil {
		if err := checkAnchor(*anchorRun, totals, fromDay); err != nil {
			return StreakOutcome{}, newServiceError(opRecomputeStreaks, reasonAnchorInvalid, ErrConsistency, err)
		}
	}
	return engine.persist(ctx, store, userID, windowStart, totals)
}

func (engine *StreakEngine) replayAll(ctx context.Context, store Store, userID UserID) (StreakOutcome, error) {
	earliest, found, err := store.EarliestUserDay(ctx, userID)
	if err != nil {
		return StreakOutcome{}, classifyStorageError(opRecomputeStreaks, reasonQueryFailed, err)
	}
	if !found {
		if err := store.DeleteStreaksFrom(ctx, userID, Day{}); err != nil {
			return StreakOutcome{}, classifyStorageError(opRecomputeStreaks, reasonWriteFailed, err)
		}
		return StreakOutcome{}, nil
	}
	totals, err := engine.loadTotals(ctx, store, userID, DayRange{})
	if err != nil {
		return StreakOutcome{}, err
	}
	if err := store.DeleteStreaksFrom(ctx, userID, Day{}); err != nil {
		return StreakOutcome{}, classifyStorageError(opRecomputeStreaks, reasonWriteFailed, err)
	}
	return engine.persist(ctx, store, userID, earliest, totals)
}

func (engine *StreakEngine) persist(ctx context.Context, store Store, userID UserID, windowStart Day, totals []dailyTotal) (StreakOutcome, error) {
	if err := store.DeleteStreaksFrom(ctx, userID, windowStart); err != nil {
		logError(engine.logger, opRecomputeStreaks, reasonWriteFailed, err,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldFromDay, windowStart.String()))
		return StreakOutcome{}, classifyStorageError(opRecomputeStreaks, reasonWriteFailed, err)
	}

	runs := replay(totals)
	computedAt := engine.clock().UTC()
	rows := make([]StreakInterval, 0, len(runs))
	outcome := StreakOutcome{WindowStart: windowStart, Intervals: make([]Streak, 0, len(runs))}
	for _, run := range runs {
		row := intervalFromRun(userID, run, computedAt)
		rows = append(rows, row)
		view := streakFromRun(userID, run)
		outcome.Intervals = append(outcome.Intervals, view)
		if view.Active {
			activeView := view
			outcome.Active = &activeView
		}
	}
	if err := store.InsertStreaks(ctx, rows); err != nil {
		logError(engine.logger, opRecomputeStreaks, reasonWriteFailed, err,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldFromDay, windowStart.String()))
		return StreakOutcome{}, classifyStorageError(opRecomputeStreaks, reasonWriteFailed, err)
	}
	return outcome, nil
}

func (engine *StreakEngine) loadTotals(ctx context.Context, store Store, userID UserID, days DayRange) ([]dailyTotal, error) {
	records, err := store.ListUserDays(ctx, userID, days)
	if err != nil {
		return nil, classifyStorageError(opRecomputeStreaks, reasonQueryFailed, err)
	}
	totals := make([]dailyTotal, 0, len(records))
	for _, record := range records {
		day, parseErr := ParseDay(record.Day)
		if parseErr != nil {
			return nil, newServiceError(opRecomputeStreaks, reasonCorruptSource, ErrConsistency, parseErr)
		}
		totals = append(totals, dailyTotal{day: day, total: record.TotalCommits})
	}
	sort.SliceStable(totals, func(i, j int) bool {
		return totals[i].day.Before(totals[j].day)
	})
	return totals, nil
}

// checkAnchor verifies that the anchor's days preceding fromDay are still
// backed by nonzero totals and that its stored length matches its bounds.
func checkAnchor(anchor streakRun, totals []dailyTotal, fromDay Day) error {
	if anchor.length < 1 {
		return fmt.Errorf("interval starting %s has length %d", anchor.start, anchor.length)
	}
	if anchor.lastCounted.DaysSince(anchor.start)+1 != anchor.length {
		return fmt.Errorf("interval %s..%s has length %d", anchor.start, anchor.lastCounted, anchor.length)
	}
	verifiedThrough := anchor.lastCounted
	if !verifiedThrough.Before(fromDay) {
		verifiedThrough = fromDay.AddDays(-1)
	}
	byDay := make(map[Day]int64, len(totals))
	for _, entry := range totals {
		byDay[entry.day] = entry.total
	}
	for day := anchor.start; !day.After(verifiedThrough); day = day.AddDays(1) {
		if byDay[day] <= 0 {
			return fmt.Errorf("interval starting %s counts %s which has no commits", anchor.start, day)
		}
	}
	return nil
}

func runFromInterval(interval StreakInterval) (streakRun, error) {
	start, err := ParseDay(interval.StartDay)
	if err != nil {
		return streakRun{}, err
	}
	lastCounted, err := ParseDay(interval.LastCountedDay)
	if err != nil {
		return streakRun{}, err
	}
	if interval.Active != (interval.EndDay == nil) {
		return streakRun{}, fmt.Errorf("interval starting %s has active=%t with end %v", interval.StartDay, interval.Active, interval.EndDay)
	}
	if interval.EndDay != nil && *interval.EndDay != interval.LastCountedDay {
		return streakRun{}, fmt.Errorf("interval starting %s ends %s but last counted %s", interval.StartDay, *interval.EndDay, interval.LastCountedDay)
	}
	return streakRun{start: start, lastCounted: lastCounted, length: interval.Length, closed: !interval.Active}, nil
}

func intervalFromRun(userID UserID, run streakRun, computedAt time.Time) StreakInterval {
	row := StreakInterval{
		UserID:         userID.String(),
		StartDay:       run.start.String(),
		LastCountedDay: run.lastCounted.String(),
		Length:         run.length,
		Active:         !run.closed,
		ComputedAt:     computedAt,
	}
	if run.closed {
		end := run.lastCounted.String()
		row.EndDay = &end
	}
	return row
}

func streakFromRun(userID UserID, run streakRun) Streak {
	view := Streak{
		UserID:      userID,
		Start:       run.start,
		LastCounted: run.lastCounted,
		Length:      run.length,
		Active:      !run.closed,
	}
	if run.closed {
		end := run.lastCounted
		view.End = &end
	}
	return view
}

func streakFromInterval(interval StreakInterval) (Streak, error) {
	run, err := runFromInterval(interval)
	if err != nil {
		return Streak{}, err
	}
	userID, err := NewUserID(interval.UserID)
	if err != nil {
		return Streak{}, err
	}
	return streakFromRun(userID, run), nil
}
