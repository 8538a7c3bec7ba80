package idle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}
func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	f.advance(d)
	ch := make(chan time.Time, 1)
	ch <- f.Now()
	return ch
}
func (f *fakeClock) Since(t time.Time) time.Duration { return f.Now().Sub(t) }
func (f *fakeClock) Sleep(d time.Duration)           { f.advance(d) }
func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type fakeProber struct {
	mu  sync.Mutex
	st  ProcState
	err error
}

func (f *fakeProber) Probe(ctx context.Context) (ProcState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st, f.err
}

func (f *fakeProber) set(st ProcState) {
	f.mu.Lock()
	f.st = st
	f.mu.Unlock()
}

func TestRunningIsDefinitiveNotIdle(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	prober := &fakeProber{st: ProcState{Running: true}}
	d := New(prober, clk, 0.7)

	// Even with long silence and a natural ending, running wins.
	d.NoteOutput(true, "All done.")
	clk.advance(10 * time.Second)
	if got := d.Confidence(context.Background()); got != 0 {
		t.Errorf("confidence = %v, want 0 while running", got)
	}
}

func TestWaitingOnInputHighConfidence(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	prober := &fakeProber{st: ProcState{WaitingOnInput: true}}
	d := New(prober, clk, 0.7)

	if got := d.Confidence(context.Background()); got < 0.9 {
		t.Errorf("confidence = %v, want >= 0.9 when waiting on tty read", got)
	}
}

func TestSilenceScalesLinearly(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	d := New(nil, clk, 0.7)
	d.NoteOutput(true, "working on it") // bare-word tail: no ending signal

	cases := []struct {
		silence time.Duration
		min     float64
		max     float64
	}{
		{400 * time.Millisecond, 0, 0},
		{1750 * time.Millisecond, 0.35, 0.45}, // halfway point of the ramp
		{5 * time.Second, 0.8, 0.8},
	}
	for _, tc := range cases {
		clk2 := &fakeClock{now: time.Unix(1700000000, 0)}
		d2 := New(nil, clk2, 0.7)
		d2.NoteOutput(true, "working on it")
		clk2.advance(tc.silence)
		got := d2.Confidence(context.Background())
		if got < tc.min || got > tc.max {
			t.Errorf("silence %v: confidence = %v, want [%v,%v]", tc.silence, got, tc.min, tc.max)
		}
	}
}

func TestNaturalEndingSignal(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	d := New(nil, clk, 0.7)
	d.NoteOutput(true, "That completes the refactor.")
	// Fresh output, so silence contributes nothing; ending alone is 0.6.
	got := d.Confidence(context.Background())
	if got < 0.55 || got > 0.65 {
		t.Errorf("confidence = %v, want about 0.6", got)
	}
}

func TestTrailingCommaNegatesEnding(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	d := New(nil, clk, 0.7)
	d.NoteOutput(true, "next I will update,")
	if got := d.Confidence(context.Background()); got > 0.1 {
		t.Errorf("confidence = %v, want ~0 for mid-thought tail", got)
	}
}

func TestAgreementBonus(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	prober := &fakeProber{st: ProcState{WaitingOnInput: true}}
	d := New(prober, clk, 0.7)
	d.NoteOutput(true, "Done.")
	clk.advance(5 * time.Second)

	// proc 0.95 + silence 0.8 + ending 0.6 all agree; max + bonus caps at 1.
	if got := d.Confidence(context.Background()); got != 1.0 {
		t.Errorf("confidence = %v, want 1.0", got)
	}
}

func TestWaitForIdle(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	prober := &fakeProber{st: ProcState{Running: true}}
	d := New(prober, clk, 0.7)

	err := d.WaitForIdle(context.Background(), 2*time.Second, 100*time.Millisecond)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("got %v, want ErrWaitTimeout while running", err)
	}

	prober.set(ProcState{WaitingOnInput: true})
	if err := d.WaitForIdle(context.Background(), 2*time.Second, 100*time.Millisecond); err != nil {
		t.Errorf("WaitForIdle after becoming idle: %v", err)
	}
}

func TestProberErrorFallsBackToOtherSignals(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	prober := &fakeProber{err: errors.New("no such process")}
	d := New(prober, clk, 0.7)
	d.NoteOutput(true, "Finished.")
	clk.advance(5 * time.Second)

	// silence 0.8 + ending 0.6 agree: 0.8 + 0.1 bonus.
	got := d.Confidence(context.Background())
	if got < 0.85 || got > 0.95 {
		t.Errorf("confidence = %v, want about 0.9", got)
	}
}
