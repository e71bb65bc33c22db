package main

import (
	"io"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/progress"

	"github.com/drblury/silverline"
)

const progressStopWait = time.Second

// progressBars renders one bar per profiled module, plus an elapsed-time bar
// for timed and passive runs.
type progressBars struct {
	pw       progress.Writer
	rendered chan struct{}

	mu       sync.Mutex
	labels   map[string]string
	trackers map[string]*progress.Tracker
}

func newProgressBars(w io.Writer, labels map[string]string) *progressBars {
	pw := progress.NewWriter()
	pw.SetOutputWriter(w)
	pw.SetAutoStop(false)
	pw.SetTrackerLength(30)
	pw.SetUpdateFrequency(100 * time.Millisecond)
	pw.Style().Visibility.ETA = true

	p := &progressBars{
		pw:       pw,
		rendered: make(chan struct{}),
		labels:   labels,
		trackers: make(map[string]*progress.Tracker),
	}
	go func() {
		defer close(p.rendered)
		pw.Render()
	}()
	return p
}

// Update is installed as the profiler's progress callback.
func (p *progressBars) Update(ev silverline.ProfileProgress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.trackers[ev.Module]
	if !ok {
		label := p.labels[ev.Module]
		if ev.Module == "" {
			label = "elapsed"
		} else if label == "" {
			label = silverline.ShortID(ev.Module)
		}
		t = &progress.Tracker{Message: label, Total: int64(ev.Total), Units: progress.UnitsDefault}
		p.trackers[ev.Module] = t
		p.pw.AppendTracker(t)
	}
	t.SetValue(int64(ev.Done))
}

func (p *progressBars) Stop() {
	p.mu.Lock()
	for _, t := range p.trackers {
		if !t.IsDone() {
			t.MarkAsDone()
		}
	}
	p.mu.Unlock()

	p.pw.Stop()
	select {
	case <-p.rendered:
	case <-time.After(progressStopWait):
	}
}
