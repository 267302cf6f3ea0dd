package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"opsdesk/backend/opsdeskd/internal/changes"
)

// RecordError describes one automation record that did not apply its
// effect during a sweep.
type RecordError struct {
	RecordID string `json:"recordId"`
	ChangeID string `json:"changeId"`
	Type     string `json:"automationType"`
	Message  string `json:"message"`
}

// Result summarizes one sweep.
type Result struct {
	AutoStarted       int           `json:"autoStarted"`
	CompletionPrompts int           `json:"completionPrompts"`
	Errors            []RecordError `json:"errors"`
}

// Sweeper processes due automation records. Each sweep claims records
// with a conditional update before dispatching, so overlapping sweeps
// execute each record's side effects at most once; the engine's own
// status preconditions make a duplicate dispatch harmless anyway.
type Sweeper struct {
	logger zerolog.Logger
	store  *changes.Store
	engine *changes.Engine
	batch  int
	now    func() time.Time
}

// NewSweeper builds a sweeper processing at most batch records per
// invocation.
func NewSweeper(logger zerolog.Logger, store *changes.Store, engine *changes.Engine, batch int) *Sweeper {
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		logger: logger.With().Str("component", "automation-sweeper").Logger(),
		store:  store,
		engine: engine,
		batch:  batch,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Sweep runs one pass: query due records, claim and dispatch each,
// record per-record failures without aborting the batch. Claimed
// records stay executed even when the action failed; a drifted status
// will not heal by retrying, so the failure is recorded on the row
// instead of looping forever.
func (s *Sweeper) Sweep(ctx context.Context) Result {
	start := s.now()
	res := Result{Errors: []RecordError{}}

	due, err := s.store.DueAutomations(ctx, start, s.batch)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to query due automations")
		res.Errors = append(res.Errors, RecordError{Message: fmt.Sprintf("query failed: %v", err)})
		observeSweep(start)
		return res
	}

	for _, rec := range due {
		claimed, err := s.store.ClaimAutomation(ctx, rec.ID)
		if err != nil {
			res.Errors = append(res.Errors, recordError(rec, err))
			continue
		}
		if !claimed {
			// Another sweep got there first.
			continue
		}
		if err := s.dispatch(ctx, rec, &res); err != nil {
			res.Errors = append(res.Errors, recordError(rec, err))
			if serr := s.store.SetAutomationError(ctx, rec.ID, err.Error()); serr != nil {
				s.logger.Error().Err(serr).Str("record", rec.ID).Msg("failed to record automation error")
			}
		}
	}

	s.logger.Info().
		Int("due", len(due)).
		Int("autoStarted", res.AutoStarted).
		Int("completionPrompts", res.CompletionPrompts).
		Int("errors", len(res.Errors)).
		Dur("duration", s.now().Sub(start)).
		Msg("sweep complete")
	observeSweep(start)
	return res
}

func (s *Sweeper) dispatch(ctx context.Context, rec *changes.Automation, res *Result) error {
	switch rec.Type {
	case changes.AutomationAutoStart:
		if _, err := s.engine.AutoStart(ctx, rec.ChangeID); err != nil {
			recordOutcome(rec.Type, outcomeFor(err))
			return err
		}
		res.AutoStarted++
	case changes.AutomationCompletionPrompt:
		if _, err := s.engine.PromptCompletion(ctx, rec.ChangeID); err != nil {
			recordOutcome(rec.Type, outcomeFor(err))
			return err
		}
		res.CompletionPrompts++
	default:
		recordOutcome(rec.Type, "error")
		return fmt.Errorf("unknown automation type %q", rec.Type)
	}
	recordOutcome(rec.Type, "ok")
	return nil
}

func outcomeFor(err error) string {
	if errors.Is(err, changes.ErrInvalidState) || errors.Is(err, changes.ErrNotFound) {
		// The intended action is moot, not broken.
		return "moot"
	}
	return "error"
}

func recordError(rec *changes.Automation, err error) RecordError {
	return RecordError{
		RecordID: rec.ID,
		ChangeID: rec.ChangeID,
		Type:     string(rec.Type),
		Message:  err.Error(),
	}
}
