package notify

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"notifbox/internal/notify/model"
)

// Event types published on the bus.
const (
	EventMessageCreated  = "notify.created"
	EventDispatched      = "notify.dispatched"
	EventBoxInitialized  = "box.initialized"
	EventUserResynced    = "user.resynced"
	EventArchived        = "notify.archived"
	EventSweepCompleted  = "notify.sweep"
	EventRecipientChange = "box.recipient"
)

// Report aggregates a sweep. Sweeps never fail on a single item.
type Report struct {
	Name      string         `json:"name"`
	Visited   int            `json:"visited"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Counts    map[string]int `json:"counts,omitempty"`
	Took      time.Duration  `json:"took"`
}

func newReport(name string) Report { return Report{Name: name, Counts: map[string]int{}} }

func (r *Report) count(key string, n int) {
	if n == 0 {
		return
	}
	if r.Counts == nil {
		r.Counts = map[string]int{}
	}
	r.Counts[key] += n
}

// String renders counts as "k=v" pairs in key order.
func (r Report) String() string {
	keys := make([]string, 0, len(r.Counts))
	for k := range r.Counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.Itoa(r.Counts[k]))
	}
	return b.String()
}

// Metrics receives engine observations. The app binds it to Prometheus.
type Metrics interface {
	MessageCreated(templateType string)
	Dispatched(outcome Outcome)
	ChannelBatch(ch model.Channel, state model.SendState, delivered int)
	Sweep(r Report)
}

type nopMetrics struct{}

func (nopMetrics) MessageCreated(string) {}
func (nopMetrics) Dispatched(Outcome)    {}
func (nopMetrics) Sweep(Report)          {}

func (nopMetrics) ChannelBatch(model.Channel, model.SendState, int) {}

func newID() string { return uuid.NewString() }
