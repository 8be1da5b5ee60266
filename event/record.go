package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/xonfour/horizont-sub000/component"
)

// Record is the serialized form of an event handed to external sinks
type Record struct {
	ID       string          `json:"id"`
	Time     time.Time       `json:"timestamp"`
	Category string          `json:"category"`
	Type     string          `json:"type"`
	Summary  string          `json:"summary,omitempty"`
	Event    component.Event `json:"event"`
}

// NewRecord wraps ev for serialization
func NewRecord(ev component.Event) Record {
	r := Record{
		ID:       ev.EventID().String(),
		Time:     ev.Time(),
		Category: ev.Category().String(),
		Type:     typeName(ev),
		Event:    ev,
	}
	switch e := ev.(type) {
	case fmt.Stringer:
		r.Summary = e.String()
	case *LogEntry:
		r.Summary = e.Message
	}
	return r
}

func typeName(ev component.Event) string {
	name := fmt.Sprintf("%T", ev)
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
