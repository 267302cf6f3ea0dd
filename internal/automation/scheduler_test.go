package automation

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSchedulerDisabled(t *testing.T) {
	f := newFixture(t, 0)
	s := NewScheduler(zerolog.Nop(), f.sweeper, 0)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Nothing scheduled; Stop must not hang.
	s.Stop()
}

func TestSchedulerStartStop(t *testing.T) {
	f := newFixture(t, 0)
	s := NewScheduler(zerolog.Nop(), f.sweeper, time.Hour)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Stop()
}
