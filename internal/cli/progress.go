package cli

import (
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
)

// liveStatus is an animated status line. A nil *liveStatus is a disabled
// indicator.
type liveStatus struct {
	bar    *progressbar.ProgressBar
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

func startSpinner(enabled bool, w io.Writer, description string) *liveStatus {
	if !enabled {
		return nil
	}

	bar := progressbar.NewOptions(
		-1,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionThrottle(80*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	return runStatus(bar, 120*time.Millisecond)
}

func startDurationProgress(enabled bool, w io.Writer, description string, duration time.Duration) *liveStatus {
	if !enabled || duration <= 0 {
		return nil
	}

	total := int64(duration / time.Second)
	if total <= 0 {
		total = 1
	}

	bar := progressbar.NewOptions64(
		total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(20),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	return runStatus(bar, time.Second)
}

func runStatus(bar *progressbar.ProgressBar, every time.Duration) *liveStatus {
	s := &liveStatus{bar: bar, stopCh: make(chan struct{}), doneCh: make(chan struct{})}

	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopCh:
				_ = bar.Finish()
				return
			case <-ticker.C:
				_ = bar.Add(1)
			}
		}
	}()

	return s
}

func (s *liveStatus) Describe(text string) {
	if s == nil {
		return
	}
	s.bar.Describe(text)
}

func (s *liveStatus) Stop() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		close(s.stopCh)
		<-s.doneCh
	})
}

// percentBar renders 0-100 progress. A nil *percentBar ignores updates.
type percentBar struct {
	bar  *progressbar.ProgressBar
	last int
}

func newPercentBar(enabled bool, w io.Writer, description string) *percentBar {
	if !enabled {
		return nil
	}

	return &percentBar{bar: progressbar.NewOptions(
		100,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetWidth(20),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)}
}

func (p *percentBar) Set(pct int) {
	if p == nil {
		return
	}
	pct = min(max(pct, 0), 100)
	if pct < p.last {
		return
	}
	p.last = pct
	_ = p.bar.Set(pct)
}

func (p *percentBar) Finish() {
	if p == nil {
		return
	}
	_ = p.bar.Finish()
}
