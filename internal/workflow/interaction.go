package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/joss/fraude/internal/completion"
	"github.com/joss/fraude/internal/logging"
	"github.com/joss/fraude/internal/metrics"
)

type planDecision struct {
	outcome  PlanOutcome
	feedback string
}

// interaction owns one running workflow and its subscribers.
type interaction struct {
	mu    sync.RWMutex
	state *WorkflowState

	cancel      context.CancelFunc
	planGate    *gate[planDecision]
	confirmGate *gate[bool]

	// keep staged entries after a failed persist so they can be retried
	retain bool

	subs    map[int]chan Update
	nextSub int
	done    chan struct{}

	log *logging.Logger
}

func newInteraction(st *WorkflowState, cancel context.CancelFunc) *interaction {
	return &interaction{
		state:  st,
		cancel: cancel,
		subs:   make(map[int]chan Update),
		done:   make(chan struct{}),
		log:    logging.New("workflow").WithInteraction(st.ID),
	}
}

func (it *interaction) current() State {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.state.State
}

func (it *interaction) snapshot() *WorkflowState {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.state.clone()
}

func (it *interaction) update(fn func(st *WorkflowState)) {
	it.mu.Lock()
	fn(it.state)
	it.state.UpdatedAt = time.Now()
	it.mu.Unlock()
}

func (it *interaction) addUsage(u completion.Usage) {
	it.update(func(st *WorkflowState) { st.Usage.Add(u) })
}

func (it *interaction) warn(msg string) {
	it.update(func(st *WorkflowState) { st.Warnings = append(st.Warnings, msg) })
	it.publish(Update{Kind: UpdateWarning, Text: msg})
}

// fire applies e and opens the gate of the state entered, so a resolver
// arriving right after the transition always finds it.
func (it *interaction) fire(e Event) error {
	it.mu.Lock()
	from := it.state.State
	to, err := Transition(from, e)
	if err != nil {
		it.mu.Unlock()
		return err
	}
	now := time.Now()
	it.state.State = to
	it.state.UpdatedAt = now
	it.state.History = append(it.state.History, TransitionRecord{From: from, To: to, Event: e.Kind, At: now})
	switch to {
	case StatePlanReview:
		it.planGate = newGate[planDecision]()
	case StateAwaitingConfirmation:
		it.confirmGate = newGate[bool]()
		it.state.UserConfirmed = ConfirmationPending
	}
	it.mu.Unlock()

	metrics.Global().RecordTransition(string(from), string(to))
	it.log.Info("transition", map[string]any{"from": from, "to": to, "event": e.Kind})
	it.publish(Update{Kind: UpdateTransition, From: from, To: to})
	return nil
}

func (it *interaction) resolvePlan(d planDecision) error {
	it.mu.RLock()
	g := it.planGate
	awaiting := it.state.State == StatePlanReview
	it.mu.RUnlock()
	if !awaiting || g == nil || !g.resolve(d) {
		return ErrNotAwaiting
	}
	return nil
}

func (it *interaction) resolveConfirmation(ok bool) error {
	it.mu.RLock()
	g := it.confirmGate
	awaiting := it.state.State == StateAwaitingConfirmation
	it.mu.RUnlock()
	if !awaiting || g == nil || !g.resolve(ok) {
		return ErrNotAwaiting
	}
	return nil
}

func (it *interaction) subscribe() (<-chan Update, func()) {
	ch := make(chan Update, subscriberBuffer)
	it.mu.Lock()
	select {
	case <-it.done:
		it.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	id := it.nextSub
	it.nextSub++
	it.subs[id] = ch
	it.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			it.mu.Lock()
			if c, ok := it.subs[id]; ok {
				delete(it.subs, id)
				close(c)
			}
			it.mu.Unlock()
		})
	}
}

// publish never blocks; a subscriber that falls behind loses updates.
func (it *interaction) publish(u Update) {
	u.Interaction = it.state.ID
	u.At = time.Now()
	it.mu.RLock()
	defer it.mu.RUnlock()
	for _, ch := range it.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

func (it *interaction) close() {
	it.mu.Lock()
	defer it.mu.Unlock()
	select {
	case <-it.done:
		return
	default:
	}
	close(it.done)
	for id, ch := range it.subs {
		delete(it.subs, id)
		close(ch)
	}
}
