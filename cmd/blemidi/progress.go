package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// progressOutput is where new printers write. Replaced in tests.
var progressOutput io.Writer = os.Stdout

var (
	okStatus   = color.New(color.FgGreen, color.Bold)
	failStatus = color.New(color.FgRed, color.Bold)
	infoStatus = color.New(color.FgCyan)
)

// ProgressPrinter displays the current phase with elapsed or remaining time
// on a single line.
//
// Usage:
//
//	p := NewProgressPrinter(...)
//	p.Start()
//	defer p.Stop()
//
// Stop must be called to terminate the internal goroutine. A ProgressPrinter
// is single-use.
//
// Phases listed as stop phases end the animated line and are printed as a
// colored status line instead; stop phases reported after that keep being
// printed, so long-running commands show "Ready" and later "Finished".
type ProgressPrinter struct {
	out        io.Writer
	prefix     string
	phase      atomic.Value        // string
	stopPhases map[string]struct{} // phases that end the animated line
	startTime  time.Time
	ticker     atomic.Pointer[time.Ticker]
	stopChan   chan struct{}
	done       chan struct{}
	started    atomic.Bool
	countUp    bool
	duration   time.Duration // countdown mode

	statusMu sync.Mutex
}

func newPrinter(prefix, phase string, stopPhases []string) *ProgressPrinter {
	stopSet := make(map[string]struct{}, len(stopPhases))
	for _, p := range stopPhases {
		stopSet[p] = struct{}{}
	}
	p := &ProgressPrinter{
		out:        progressOutput,
		prefix:     prefix,
		stopPhases: stopSet,
		countUp:    true,
	}
	p.phase.Store(phase)
	return p
}

// NewProgressPrinter creates a progress printer that counts up (shows elapsed time).
func NewProgressPrinter(prefix string, phase string, stopPhases ...string) *ProgressPrinter {
	return newPrinter(prefix, phase, stopPhases)
}

// NewCountdownProgressPrinter creates a progress printer that counts down from the duration.
func NewCountdownProgressPrinter(prefix string, phase string, duration time.Duration, stopPhases ...string) *ProgressPrinter {
	p := newPrinter(prefix, phase, stopPhases)
	p.countUp = false
	p.duration = duration
	return p
}

// Start begins displaying progress updates in a background goroutine.
// Panics if called more than once on the same ProgressPrinter instance.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}

	p.done = make(chan struct{})
	p.stopChan = make(chan struct{})
	p.startTime = time.Now()
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	p.startProgressLoop(ticker)
}

func (p *ProgressPrinter) printProgress(phase string, seconds int) {
	if seconds > 0 {
		fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, infoStatus.Sprint(phase), seconds)
	} else {
		fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, infoStatus.Sprint(phase))
	}
}

func (p *ProgressPrinter) startProgressLoop(ticker *time.Ticker) {
	p.printProgress(p.phase.Load().(string), 0)

	go func() {
		defer close(p.done)
		defer func() {
			if r := recover(); r != nil {
				fmt.Fprintf(p.out, "\nprogress printer panic: %v\n", r)
			}
		}()

		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				currentPhase := p.phase.Load().(string)
				if _, isStopPhase := p.stopPhases[currentPhase]; isStopPhase {
					return
				}
				p.printProgress(currentPhase, p.seconds(time.Since(p.startTime)))
			}
		}
	}()
}

func (p *ProgressPrinter) seconds(elapsed time.Duration) int {
	if p.countUp {
		return int(elapsed.Seconds())
	}
	remaining := p.duration - elapsed
	if remaining <= 0 {
		return 0
	}
	// 3.7s -> 4s, 3.3s -> 3s
	return int(remaining.Seconds() + 0.5)
}

// Callback returns a progress callback that updates the phase. Safe for
// concurrent use.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, isStopPhase := p.stopPhases[phase]; isStopPhase {
			p.Stop()
			p.printStatus(phase)
		}
	}
}

func (p *ProgressPrinter) printStatus(phase string) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()

	style := okStatus
	mark := "✓"
	switch phase {
	case "Failed":
		style, mark = failStatus, "✗"
	case "Stopping":
		style, mark = infoStatus, "■"
	}
	fmt.Fprintf(p.out, "%s %s\n", style.Sprint(mark+" "+phase), p.prefix)
}

// Stop stops the progress display and clears the line. Safe to call more
// than once and from multiple goroutines.
func (p *ProgressPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return
	}

	ticker.Stop()
	close(p.stopChan)
	<-p.done

	fmt.Fprint(p.out, clearLineSequence)
}
