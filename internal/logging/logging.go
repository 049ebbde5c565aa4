// Package logging адаптирует logrus к интерфейсу domain.Logger.
package logging

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
)

// Logrus пишет события калькулятора через logrus.Entry.
type Logrus struct {
	entry *log.Entry
}

// NewLogrus оборачивает entry; при nil используется стандартный логгер с полем component.
func NewLogrus(entry *log.Entry) *Logrus {
	if entry == nil {
		entry = log.WithField("component", "settlement")
	}
	return &Logrus{entry: entry}
}

func (l *Logrus) Debug(msg string, fields map[string]any) {
	l.entry.WithFields(log.Fields(fields)).Debug(msg)
}

func (l *Logrus) Info(msg string, fields map[string]any) {
	l.entry.WithFields(log.Fields(fields)).Info(msg)
}

func (l *Logrus) Error(msg string, err error, fields map[string]any) {
	entry := l.entry.WithFields(log.Fields(fields))
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(msg)
}

// Entry возвращает исходный logrus.Entry для компонентов, которые работают с ним напрямую.
func (l *Logrus) Entry() *log.Entry {
	return l.entry
}

type nop struct{}

// Nop возвращает логгер, который ничего не пишет (для тестов).
func Nop() domain.Logger {
	return nop{}
}

func (nop) Debug(string, map[string]any)        {}
func (nop) Info(string, map[string]any)         {}
func (nop) Error(string, error, map[string]any) {}

// ParseLevel разбирает уровень логирования, по умолчанию info.
func ParseLevel(raw string) log.Level {
	if raw == "" {
		return log.InfoLevel
	}
	level, err := log.ParseLevel(raw)
	if err != nil {
		return log.InfoLevel
	}
	return level
}

var (
	_ domain.Logger = (*Logrus)(nil)
	_ domain.Logger = nop{}
)
