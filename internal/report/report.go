// Package report carries reconcile and link outcomes to whoever renders
// them. Every Reporter serializes its own writes, so a single instance can
// be shared by concurrent workers.
package report

import (
	"sync"

	"github.com/rs/zerolog"
)

// Kind classifies an event
type Kind string

const (
	KindSuccess  Kind = "success"
	KindConflict Kind = "conflict"
	KindNoop     Kind = "noop"
)

// Event describes the outcome of one package or link entry
type Event struct {
	Kind     Kind   `json:"kind"`
	Category string `json:"category,omitempty"`
	Target   string `json:"target"`
	Message  string `json:"message"`
	Detail   string `json:"detail,omitempty"`
}

// Reporter receives events and per-category progress counters. None of its
// methods can fail the caller.
type Reporter interface {
	// Begin announces a category with total items
	Begin(category string, total int)
	// Send delivers one event
	Send(ev Event)
	// Advance reports completed out of total items for category
	Advance(category string, completed, total int)
	// End marks category as complete
	End(category string)
}

// LogReporter writes every event to a zerolog logger
type LogReporter struct {
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewLogReporter creates a reporter that logs through logger
func NewLogReporter(logger zerolog.Logger) *LogReporter {
	return &LogReporter{logger: logger.With().Str("component", "report").Logger()}
}

func (r *LogReporter) Begin(category string, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.Info().Str("category", category).Int("total", total).Msg("category started")
}

func (r *LogReporter) Send(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lvl := zerolog.InfoLevel
	switch ev.Kind {
	case KindConflict:
		lvl = zerolog.WarnLevel
	case KindNoop:
		lvl = zerolog.DebugLevel
	}
	e := r.logger.WithLevel(lvl).Str("category", ev.Category).Str("target", ev.Target)
	if ev.Detail != "" {
		e = e.Str("detail", ev.Detail)
	}
	e.Msg(ev.Message)
}

func (r *LogReporter) Advance(category string, completed, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.Debug().Str("category", category).Int("completed", completed).Int("total", total).Msg("progress")
}

func (r *LogReporter) End(category string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.Info().Str("category", category).Msg("category complete")
}

// Progress is the last counter reported for a category
type Progress struct {
	Completed int
	Total     int
	Done      bool
}

// Recorder keeps everything it receives in memory
type Recorder struct {
	mu       sync.Mutex
	events   []Event
	order    []string
	progress map[string]*Progress
	advances map[string][]int
}

// NewRecorder creates an empty Recorder
func NewRecorder() *Recorder {
	return &Recorder{
		progress: make(map[string]*Progress),
		advances: make(map[string][]int),
	}
}

func (r *Recorder) Begin(category string, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, category)
	r.progress[category] = &Progress{Total: total}
}

func (r *Recorder) Send(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Advance(category string, completed, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.entry(category)
	p.Completed = completed
	p.Total = total
	r.advances[category] = append(r.advances[category], completed)
}

func (r *Recorder) End(category string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(category).Done = true
}

func (r *Recorder) entry(category string) *Progress {
	p, ok := r.progress[category]
	if !ok {
		p = &Progress{}
		r.progress[category] = p
	}
	return p
}

// Events returns a copy of the received events in arrival order
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Categories returns the categories in the order they began
func (r *Recorder) Categories() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Progress returns the last counter of category
func (r *Recorder) Progress(category string) Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.progress[category]; ok {
		return *p
	}
	return Progress{}
}

// Advances returns every completed count reported for category, in order
func (r *Recorder) Advances(category string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.advances[category]...)
}

// Multi fans out to several reporters
type Multi struct {
	mu        sync.Mutex
	reporters []Reporter
}

// NewMulti creates a reporter that forwards to every r
func NewMulti(r ...Reporter) *Multi {
	return &Multi{reporters: r}
}

func (m *Multi) Begin(category string, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reporters {
		r.Begin(category, total)
	}
}

func (m *Multi) Send(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reporters {
		r.Send(ev)
	}
}

func (m *Multi) Advance(category string, completed, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reporters {
		r.Advance(category, completed, total)
	}
}

func (m *Multi) End(category string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reporters {
		r.End(category)
	}
}
