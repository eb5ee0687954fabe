// Package progress is a publish/subscribe hub for progress of long-running operations. Producers
// report through a Notifier, keyed by the progress token the client attached to its request,
// and transports subscribe to relay the updates to the right client.
package progress

import (
	"cmp"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Token identifies one operation. Numeric tokens are carried in their decimal form.
type Token string

// Update is the state of an operation at one point in time. It marshals to the params of a
// "notifications/progress" message.
type Update struct {
	Token    Token          `json:"progressToken"`
	Progress float64        `json:"progress"`
	Total    float64        `json:"total,omitempty"`
	Message  string         `json:"message,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// Final is set on the update that completes or fails the operation.
	Final bool `json:"-"`
}

// Failed reports whether the update signals a failed operation.
func (u Update) Failed() bool {
	return u.Progress == FailedProgress
}

// Handler receives progress updates. Handlers run synchronously on the producing goroutine,
// must return quickly and must not call Notifier methods that report progress.
type Handler func(Update)

// Notifier fans progress updates out to subscribers. All methods are safe for concurrent use.
type Notifier struct {
	logger        *slog.Logger
	meterProvider metric.MeterProvider
	metrics       instruments

	mu       sync.Mutex
	active   map[Token]Update
	handlers map[Token]map[uint64]Handler
	all      map[uint64]Handler
	nextID   uint64

	// emitMu is taken before mu is released, so every subscriber sees updates in the order
	// they were produced.
	emitMu sync.Mutex
}

// Option configures a Notifier.
type Option func(*Notifier)

// UpdateOption sets an optional field of an update. Fields left unset keep their previous
// value.
type UpdateOption func(*Update)

const (
	// DefaultTotal is the total used when an operation starts without one.
	DefaultTotal float64 = 100
	// FailedProgress is the progress value reported for a failed operation.
	FailedProgress float64 = -1
)

// NewNotifier creates an empty Notifier.
func NewNotifier(options ...Option) *Notifier {
	n := &Notifier{
		logger:        slog.Default(),
		meterProvider: otel.GetMeterProvider(),
		active:        make(map[Token]Update),
		handlers:      make(map[Token]map[uint64]Handler),
		all:           make(map[uint64]Handler),
	}
	for _, opt := range options {
		opt(n)
	}

	ins, err := newInstruments(n.meterProvider)
	if err != nil {
		n.logger.Error("failed to create progress instruments", slog.String("err", err.Error()))
		ins, _ = newInstruments(noop.NewMeterProvider())
	}
	n.metrics = ins

	return n
}

// WithLogger sets the logger for the notifier.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Notifier) {
		n.logger = logger.With(
			slog.String("package", "browser-mcp"),
			slog.String("component", "progress"),
		)
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider used for progress metrics.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(n *Notifier) {
		n.meterProvider = provider
	}
}

// WithTotal sets the expected final progress value.
func WithTotal(total float64) UpdateOption {
	return func(u *Update) {
		u.Total = total
	}
}

// WithMessage sets the human readable status.
func WithMessage(message string) UpdateOption {
	return func(u *Update) {
		u.Message = message
	}
}

// WithMetadata sets the structured details of the update.
func WithMetadata(metadata map[string]any) UpdateOption {
	return func(u *Update) {
		u.Metadata = maps.Clone(metadata)
	}
}

// Subscribe registers h for updates of token and returns a function that removes it.
func (n *Notifier) Subscribe(token Token, h Handler) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	hs, ok := n.handlers[token]
	if !ok {
		hs = make(map[uint64]Handler)
		n.handlers[token] = hs
	}
	hs[id] = h
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if hs, ok := n.handlers[token]; ok {
				delete(hs, id)
				if len(hs) == 0 {
					delete(n.handlers, token)
				}
			}
		})
	}
}

// SubscribeAll registers h for every update regardless of token and returns a function that
// removes it.
func (n *Notifier) SubscribeAll(h Handler) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.all[id] = h
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.all, id)
		})
	}
}

// StartOperation begins an operation at progress 0 of DefaultTotal. Reusing the token of a
// finished operation starts over.
func (n *Notifier) StartOperation(token Token, message string) Update {
	return n.start(token, DefaultTotal, message)
}

func (n *Notifier) start(token Token, total float64, message string) Update {
	u := Update{
		Token:    token,
		Progress: 0,
		Total:    total,
		Message:  message,
	}

	n.mu.Lock()
	n.active[token] = u
	n.emitAndUnlock(u)

	n.metrics.record(outcomeStarted)
	return u
}

// UpdateProgress reports progress for token, keeping the previous total, message and
// metadata unless options replace them. The token does not need to be started first.
func (n *Notifier) UpdateProgress(token Token, progress float64, options ...UpdateOption) Update {
	n.mu.Lock()
	u, ok := n.active[token]
	if !ok {
		u = Update{Token: token}
	}
	u.Progress = progress
	for _, opt := range options {
		opt(&u)
	}
	n.active[token] = u
	n.emitAndUnlock(u)

	return u
}

// CompleteOperation reports the operation as done at progress equal to its total and removes
// it from the active operations.
func (n *Notifier) CompleteOperation(token Token, message string) Update {
	n.mu.Lock()
	prev := n.active[token]
	delete(n.active, token)

	total := cmp.Or(prev.Total, DefaultTotal)
	u := Update{
		Token:    token,
		Progress: total,
		Total:    total,
		Message:  cmp.Or(message, prev.Message),
		Metadata: prev.Metadata,
		Final:    true,
	}
	n.emitAndUnlock(u)

	n.metrics.record(outcomeCompleted)
	return u
}

// FailOperation reports the operation as failed with progress -1 and removes it from the
// active operations.
func (n *Notifier) FailOperation(token Token, errMessage string) Update {
	n.mu.Lock()
	prev := n.active[token]
	delete(n.active, token)

	metadata := maps.Clone(prev.Metadata)
	if metadata == nil {
		metadata = make(map[string]any, 1)
	}
	metadata["error"] = true

	u := Update{
		Token:    token,
		Progress: FailedProgress,
		Total:    prev.Total,
		Message:  errMessage,
		Metadata: metadata,
		Final:    true,
	}
	n.emitAndUnlock(u)

	n.metrics.record(outcomeFailed)
	return u
}

// GetProgress returns the last update of an active operation.
func (n *Notifier) GetProgress(token Token) (Update, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	u, ok := n.active[token]
	if !ok {
		return Update{}, false
	}
	return u.clone(), true
}

// ActiveOperations returns the last update of every active operation, ordered by token.
func (n *Notifier) ActiveOperations() []Update {
	n.mu.Lock()
	defer n.mu.Unlock()

	ops := make([]Update, 0, len(n.active))
	for _, u := range n.active {
		ops = append(ops, u.clone())
	}
	slices.SortFunc(ops, func(a, b Update) int {
		return cmp.Compare(a.Token, b.Token)
	})
	return ops
}

// CreateTracker returns a step-counting helper bound to token. A tracker for an empty token
// reports nothing, so callers can use one whether or not the client asked for progress.
func (n *Notifier) CreateTracker(token Token) *Tracker {
	return &Tracker{notifier: n, token: token}
}

// Cleanup drops every handler and active operation. It is meant for process shutdown.
func (n *Notifier) Cleanup() {
	n.mu.Lock()
	defer n.mu.Unlock()

	clear(n.active)
	clear(n.handlers)
	clear(n.all)
}

// emitAndUnlock releases mu and delivers u to the token's handlers, then to the global ones.
func (n *Notifier) emitAndUnlock(u Update) {
	handlers := make([]Handler, 0, len(n.handlers[u.Token])+len(n.all))
	handlers = appendSorted(handlers, n.handlers[u.Token])
	handlers = appendSorted(handlers, n.all)

	n.emitMu.Lock()
	n.mu.Unlock()
	defer n.emitMu.Unlock()

	for _, h := range handlers {
		n.deliver(h, u.clone())
	}
}

func (n *Notifier) deliver(h Handler, u Update) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("progress handler panicked",
				slog.String("token", string(u.Token)),
				slog.Any("panic", r))
		}
	}()
	h(u)
}

func (u Update) clone() Update {
	u.Metadata = maps.Clone(u.Metadata)
	return u
}

func appendSorted(dst []Handler, hs map[uint64]Handler) []Handler {
	for _, id := range slices.Sorted(maps.Keys(hs)) {
		dst = append(dst, hs[id])
	}
	return dst
}
