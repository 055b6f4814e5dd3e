package orchestrator

import (
	"sync"
	"time"

	"github.com/GriffinCanCode/scribe/internal/stage"
	"github.com/GriffinCanCode/scribe/internal/syncx"
)

// State is the state a stage or run transitioned to.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed" // recomputed and checkpointed
	StateRestored  State = "restored"  // reused from checkpoint
	StateDegraded  State = "degraded"  // optional stage failed, placeholder used
	StateSkipped   State = "skipped"   // disabled by configuration
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Event is one stage transition, or the end of a run when Stage is nil.
type Event struct {
	SessionID string    `json:"session_id"`
	Stage     *stage.ID `json:"stage,omitempty"`
	State     State     `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// Final reports whether e ends its run.
func (e Event) Final() bool { return e.Stage == nil }

// Hub fans run events out to subscribers by session.
type Hub struct {
	subs *syncx.RWGuard[map[string]map[chan Event]struct{}]
}

func NewHub() *Hub {
	return &Hub{subs: syncx.NewGuard(make(map[string]map[chan Event]struct{}))}
}

// Subscribe returns a channel of the session's future events and a function
// that ends the subscription. Slow subscribers miss events rather than stall runs.
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	ch := make(chan Event, SubscriberEventBuffer)
	h.subs.Write(func(subs *map[string]map[chan Event]struct{}) {
		if (*subs)[sessionID] == nil {
			(*subs)[sessionID] = make(map[chan Event]struct{})
		}
		(*subs)[sessionID][ch] = struct{}{}
	})

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.subs.Write(func(subs *map[string]map[chan Event]struct{}) {
				delete((*subs)[sessionID], ch)
				if len((*subs)[sessionID]) == 0 {
					delete(*subs, sessionID)
				}
			})
			close(ch)
		})
	}
}

// Publish delivers e to the session's subscribers without blocking.
func (h *Hub) Publish(e Event) {
	h.subs.Read(func(subs map[string]map[chan Event]struct{}) {
		for ch := range subs[e.SessionID] {
			select {
			case ch <- e:
			default:
			}
		}
	})
}
