package purchase

type Step string

const (
	StepChecking   Step = "checking"
	StepApproving  Step = "approving"
	StepPurchasing Step = "purchasing"
)

func (s Step) order() int {
	switch s {
	case StepChecking:
		return 1
	case StepApproving:
		return 2
	case StepPurchasing:
		return 3
	}
	return 0
}

// Event reports that the flow entered a step.
type Event struct {
	Step    Step   `json:"step"`
	Message string `json:"message"`
}

// Observer receives progress events synchronously, in step order, and never after
// the flow has reached a terminal state.
type Observer interface {
	OnProgress(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) OnProgress(e Event) { f(e) }

// Recorder keeps every event it observes.
type Recorder struct {
	Events []Event
}

func (r *Recorder) OnProgress(e Event) {
	r.Events = append(r.Events, e)
}

// Steps lists the recorded steps in order.
func (r *Recorder) Steps() []Step {
	out := make([]Step, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.Step
	}
	return out
}

// Channel forwards events to ch. Sends block, so the consumer must keep reading
// until Run returns.
func Channel(ch chan<- Event) Observer {
	return ObserverFunc(func(e Event) { ch <- e })
}

// multi fans an event out to several observers.
type multi []Observer

func (m multi) OnProgress(e Event) {
	for _, o := range m {
		o.OnProgress(e)
	}
}

// Tee combines observers; nil entries are skipped.
func Tee(observers ...Observer) Observer {
	var out multi
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

// emitter enforces the step ordering and terminal-state guarantees.
type emitter struct {
	obs    Observer
	last   int
	closed bool
}

func (e *emitter) emit(step Step, message string) {
	if e.closed || e.obs == nil || step.order() <= e.last {
		return
	}
	e.last = step.order()
	e.obs.OnProgress(Event{Step: step, Message: message})
}

func (e *emitter) close() {
	e.closed = true
}
