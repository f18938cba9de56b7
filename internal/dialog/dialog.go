// Package dialog surfaces failures that need the user's attention.
package dialog

import (
	"log/slog"
	"sync"
)

// Presenter shows a blocking error to the user. Implementations must not
// block the caller for long.
type Presenter interface {
	ShowError(title, message string)
}

// Func adapts a function to Presenter.
type Func func(title, message string)

func (f Func) ShowError(title, message string) { f(title, message) }

// LogPresenter writes dialogs to slog, for headless runs.
type LogPresenter struct {
	Logger *slog.Logger
}

func (p LogPresenter) ShowError(title, message string) {
	l := p.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Error("dialog", "title", title, "message", message)
}

// Multi fans a dialog out to every non-nil presenter.
func Multi(ps ...Presenter) Presenter {
	var out multi
	for _, p := range ps {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

type multi []Presenter

func (m multi) ShowError(title, message string) {
	for _, p := range m {
		p.ShowError(title, message)
	}
}

// Shown is a dialog captured by Recorder.
type Shown struct {
	Title   string
	Message string
}

// Recorder keeps every dialog it is shown.
type Recorder struct {
	mu    sync.Mutex
	shown []Shown
}

func (r *Recorder) ShowError(title, message string) {
	r.mu.Lock()
	r.shown = append(r.shown, Shown{Title: title, Message: message})
	r.mu.Unlock()
}

// Shown returns a copy of the dialogs recorded so far.
func (r *Recorder) Shown() []Shown {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Shown(nil), r.shown...)
}
