package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/crewkit/crewkit/config"
	"github.com/crewkit/crewkit/crew"
	"github.com/crewkit/crewkit/extractor"
	"github.com/crewkit/crewkit/kb"
	"github.com/crewkit/crewkit/llms"
	"github.com/crewkit/crewkit/store"
)

// Request is one user message handed to the dispatcher by the ingress.
type Request struct {
	Message            string            `json:"message"`
	ConversationID     string            `json:"conversationId"`
	AgentName          string            `json:"agentName"`
	UserID             string            `json:"userId,omitempty"`
	OverrideCrewMember string            `json:"overrideCrewMember,omitempty"`
	UseKnowledgeBase   bool              `json:"useKnowledgeBase,omitempty"`
	Debug              bool              `json:"debug,omitempty"`
	PromptOverrides    map[string]string `json:"promptOverrides,omitempty"`
	ModelOverrides     map[string]string `json:"modelOverrides,omitempty"`
}

// Deps are the collaborators a Dispatcher consumes.
type Deps struct {
	Crews         *crew.Registry
	Providers     *llms.Registry
	Extractor     *extractor.Service
	Conversations store.ConversationStore
	Contexts      store.ContextStore
	Prompts       store.PromptStore
	KB            *kb.Resolver
	Logger        *slog.Logger
}

// Dispatcher routes user messages through crew members. One Dispatch call
// produces a lazy event sequence; callers must serialise dispatches for the
// same conversation (see ConversationLocks).
type Dispatcher struct {
	crews         *crew.Registry
	providers     *llms.Registry
	extract       *extractor.Service
	conversations store.ConversationStore
	contexts      store.ContextStore
	prompts       store.PromptStore
	kb            *kb.Resolver
	fields        *FieldCache
	logger        *slog.Logger
}

// NewDispatcher wires a dispatcher from its collaborators.
func NewDispatcher(deps Deps) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		crews:         deps.Crews,
		providers:     deps.Providers,
		extract:       deps.Extractor,
		conversations: deps.Conversations,
		contexts:      deps.Contexts,
		prompts:       deps.Prompts,
		kb:            deps.KB,
		fields:        NewFieldCache(deps.Conversations, logger),
		logger:        logger,
	}
}

// Fields exposes the collected-fields cache, mainly for tests and the crew
// directory endpoint.
func (d *Dispatcher) Fields() *FieldCache {
	return d.fields
}

// Dispatch processes one user message. The returned channel carries the
// ordered event sequence and is closed after the terminal event. Routing
// failures are returned synchronously.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (<-chan Event, error) {
	conv, err := d.conversations.GetOrCreate(ctx, req.ConversationID, req.AgentName)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv.UserID == "" && req.UserID != "" {
		conv.UserID = req.UserID
	}

	member, err := d.resolveCrew(ctx, req, conv)
	if err != nil {
		return nil, err
	}

	history, err := d.history(ctx, conv, member.Config().Model)
	if err != nil {
		d.logger.Warn("failed to load history", "conversation", conv.ID, "error", err)
		history = nil
	}

	if err := d.conversations.AppendMessage(ctx, conv.ID, "user", req.Message); err != nil {
		d.logger.Warn("failed to persist user message", "conversation", conv.ID, "error", err)
	}

	out := make(chan Event, 16)
	go d.run(ctx, req, conv, member, history, out)
	return out, nil
}

// resolveCrew applies the crew precedence: request override, stored current
// crew (top-level, then metadata for back-compatibility), agent default.
func (d *Dispatcher) resolveCrew(ctx context.Context, req Request, conv *store.Conversation) (crew.Member, error) {
	if req.OverrideCrewMember != "" {
		if member, ok := d.crews.Get(ctx, req.AgentName, req.OverrideCrewMember); ok {
			return member, nil
		}
		d.logger.Warn("override crew member not found", "agent", req.AgentName, "crew", req.OverrideCrewMember)
	}

	current := conv.CurrentCrewMember
	if current == "" {
		if legacy, ok := conv.Metadata[store.MetaCurrentCrewMember].(string); ok {
			current = legacy
		}
	}
	if current != "" {
		if member, ok := d.crews.Get(ctx, req.AgentName, current); ok {
			return member, nil
		}
		d.logger.Warn("stored current crew member not found, falling back to default",
			"agent", req.AgentName, "crew", current)
	}

	if member, ok := d.crews.Default(ctx, req.AgentName); ok {
		return member, nil
	}
	return nil, fmt.Errorf("no crew member found for agent '%s'", req.AgentName)
}

func (d *Dispatcher) history(ctx context.Context, conv *store.Conversation, model string) ([]llms.Message, error) {
	stored, err := d.conversations.History(ctx, conv.ID, 0)
	if err != nil {
		return nil, err
	}
	messages := make([]llms.Message, 0, len(stored))
	for _, msg := range stored {
		messages = append(messages, llms.Message{Role: msg.Role, Content: msg.Content})
	}
	return historyWindow(messages, model, defaultHistoryBudget), nil
}

// ============================================================================
// DISPATCH EXECUTION
// ============================================================================

func (d *Dispatcher) run(ctx context.Context, req Request, conv *store.Conversation, member crew.Member, history []llms.Message, out chan Event) {
	start := time.Now()
	defer close(out)
	defer func() { streamDuration.Observe(time.Since(start).Seconds()) }()

	emit := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	finalMember, finalText, err := d.execute(ctx, req, conv, member, history, emit)
	if err != nil {
		emit(ErrorEvent(err))
		return
	}
	if ctx.Err() != nil {
		return
	}

	d.finish(ctx, req, conv, finalMember, finalText)
	emit(Done())
}

// execute runs one of the three dispatch modes and returns the crew member
// that produced the final response together with its text.
func (d *Dispatcher) execute(ctx context.Context, req Request, conv *store.Conversation, member crew.Member, history []llms.Message, emit func(Event) bool) (crew.Member, string, error) {
	cfg := member.Config()
	collected := d.fields.Get(ctx, conv)

	if len(cfg.FieldsToCollect) == 0 {
		dispatchesTotal.WithLabelValues("direct").Inc()
		return d.streamDirect(ctx, req, conv, member, history, collected, emit)
	}

	missing := missingFields(member.FieldsForExtraction(collected), collected)
	if len(missing) == 0 {
		if cfg.TransitionTo != "" && member.PreMessageTransfer(collected) {
			dispatchesTotal.WithLabelValues("early_transfer").Inc()
			return d.transferAndStream(ctx, req, conv, member, history, collected, "required fields already collected", emit)
		}
		dispatchesTotal.WithLabelValues("direct").Inc()
		return d.streamDirect(ctx, req, conv, member, history, collected, emit)
	}

	dispatchesTotal.WithLabelValues("buffered").Inc()
	return d.streamBuffered(ctx, req, conv, member, history, collected, missing, emit)
}

// streamDirect is mode A: the crew streams straight to the client.
func (d *Dispatcher) streamDirect(ctx context.Context, req Request, conv *store.Conversation, member crew.Member, history []llms.Message, collected map[string]any, emit func(Event) bool) (crew.Member, string, error) {
	events, outcome := d.streamMember(ctx, streamParams{
		member:    member,
		conv:      conv,
		req:       req,
		history:   history,
		collected: collected,
	})
	for ev := range events {
		if !emit(ev) {
			return member, "", ctx.Err()
		}
	}
	return member, outcome.Text, outcome.Err
}

// transferAndStream is the transition tail shared by modes B and C: emit
// the transition pair, persist the new current crew, then delegate to mode
// A for the target. A missing target degrades to streaming the original
// crew.
func (d *Dispatcher) transferAndStream(ctx context.Context, req Request, conv *store.Conversation, member crew.Member, history []llms.Message, collected map[string]any, reason string, emit func(Event) bool) (crew.Member, string, error) {
	from := member.Config().Name
	to := member.Config().TransitionTo

	target, ok := d.crews.Get(ctx, req.AgentName, to)
	if !ok {
		d.logger.Warn("transition target missing, dropping transition", "agent", req.AgentName, "from", from, "to", to)
		return d.streamDirect(ctx, req, conv, member, history, collected, emit)
	}

	if !emit(CrewTransition(from, to, reason)) {
		return member, "", ctx.Err()
	}
	if err := d.conversations.SetCurrentCrew(ctx, conv.ID, to); err != nil {
		d.logger.Warn("failed to persist current crew", "conversation", conv.ID, "error", err)
	}
	conv.CurrentCrewMember = to
	transitionsTotal.WithLabelValues("pre_message").Inc()

	if !emit(CrewInfo(target.Snapshot())) {
		return member, "", ctx.Err()
	}
	return d.streamDirect(ctx, req, conv, target, history, collected, emit)
}

// streamBuffered is mode C: the extractor and the crew stream race; crew
// chunks are buffered until the extractor resolves and the gate decides
// between flushing and transferring.
func (d *Dispatcher) streamBuffered(ctx context.Context, req Request, conv *store.Conversation, member crew.Member, history []llms.Message, collected map[string]any, missing []config.FieldConfig, emit func(Event) bool) (crew.Member, string, error) {
	resCh := make(chan *extractor.Result, 1)
	go func() {
		resCh <- d.extract.Extract(ctx, extractor.Request{
			Messages:      append(append([]llms.Message{}, history...), llms.Message{Role: "user", Content: req.Message}),
			MissingFields: missing,
			Collected:     collected,
			Mode:          member.Config().ExtractionMode,
		})
	}()

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()
	events, outcome := d.streamMember(streamCtx, streamParams{
		member:    member,
		conv:      conv,
		req:       req,
		history:   history,
		collected: collected,
	})

	var buffer []Event
	var result *extractor.Result

	// Race the two producers until the extractor resolves.
	for result == nil {
		select {
		case result = <-resCh:
		case ev, ok := <-events:
			if !ok {
				// Crew stream ended first; await the extractor.
				events = nil
				select {
				case result = <-resCh:
				case <-ctx.Done():
					return member, "", ctx.Err()
				}
				break
			}
			buffer = append(buffer, ev)
		case <-ctx.Done():
			return member, "", ctx.Err()
		}
	}

	allCollected := d.fields.Update(ctx, conv, mergedFields(result))
	if result.Empty() {
		extractionsTotal.WithLabelValues("empty").Inc()
	} else {
		extractionsTotal.WithLabelValues("extracted").Inc()
	}

	// The gate: decide exactly once whether the buffered response lives.
	// A missing target drops the transfer so the buffered response is
	// still delivered.
	if cfg := member.Config(); cfg.TransitionTo != "" && member.PreMessageTransfer(allCollected) {
		if _, ok := d.crews.Get(ctx, req.AgentName, cfg.TransitionTo); ok {
			cancelStream()
			if events != nil {
				for range events {
				}
			}
			if !d.emitFieldEvents(req, conv, result, allCollected, emit) {
				return member, "", ctx.Err()
			}
			return d.transferAndStream(ctx, req, conv, member, history, allCollected, "required fields collected", emit)
		}
		d.logger.Warn("transition target missing, dropping transfer",
			"agent", req.AgentName, "from", cfg.Name, "to", cfg.TransitionTo)
	}

	if !d.emitFieldEvents(req, conv, result, allCollected, emit) {
		return member, "", ctx.Err()
	}
	for _, ev := range buffer {
		if !emit(ev) {
			return member, "", ctx.Err()
		}
	}
	if events != nil {
		for ev := range events {
			if !emit(ev) {
				return member, "", ctx.Err()
			}
		}
	}
	return member, outcome.Text, outcome.Err
}

// emitFieldEvents surfaces newly extracted fields in the extractor's
// insertion order, then corrections in name order.
func (d *Dispatcher) emitFieldEvents(req Request, conv *store.Conversation, result *extractor.Result, allCollected map[string]any, emit func(Event) bool) bool {
	for _, name := range result.Order {
		if !emit(FieldExtracted(name, result.Extracted[name])) {
			return false
		}
	}
	corrected := make([]string, 0, len(result.Corrections))
	for name := range result.Corrections {
		corrected = append(corrected, name)
	}
	sort.Strings(corrected)
	for _, name := range corrected {
		if !emit(FieldExtracted(name, result.Corrections[name])) {
			return false
		}
	}
	if req.Debug && !result.Empty() {
		if !emit(DebugContextUpdate(map[string]any{"collectedFields": allCollected})) {
			return false
		}
	}
	return true
}

func mergedFields(result *extractor.Result) map[string]any {
	merged := make(map[string]any, len(result.Extracted)+len(result.Corrections))
	for name, value := range result.Extracted {
		merged[name] = value
	}
	for name, value := range result.Corrections {
		merged[name] = value
	}
	return merged
}

func missingFields(declared []config.FieldConfig, collected map[string]any) []config.FieldConfig {
	var missing []config.FieldConfig
	for _, field := range declared {
		if _, ok := collected[field.Name]; !ok {
			missing = append(missing, field)
		}
	}
	return missing
}

// ============================================================================
// POST-STREAM BOOKKEEPING
// ============================================================================

// finish persists the assistant turn, updates the transition-prompt marker,
// pins the stored current crew to the responder, and evaluates the
// post-response transition hooks.
func (d *Dispatcher) finish(ctx context.Context, req Request, conv *store.Conversation, member crew.Member, responseText string) {
	name := member.Config().Name

	if responseText != "" {
		if err := d.conversations.AppendMessage(ctx, conv.ID, "assistant", responseText); err != nil {
			d.logger.Warn("failed to persist assistant message", "conversation", conv.ID, "error", err)
		}
	}

	if last, _ := conv.Metadata[store.MetaLastTransitionPromptBy].(string); last != name {
		err := d.conversations.UpdateMetadata(ctx, conv.ID, map[string]any{
			store.MetaLastTransitionPromptBy: name,
		})
		if err != nil {
			d.logger.Warn("failed to update transition prompt marker", "conversation", conv.ID, "error", err)
		} else {
			conv.Metadata[store.MetaLastTransitionPromptBy] = name
		}
	}

	if conv.CurrentCrewMember != name {
		if err := d.conversations.SetCurrentCrew(ctx, conv.ID, name); err != nil {
			d.logger.Warn("failed to persist current crew", "conversation", conv.ID, "error", err)
		} else {
			conv.CurrentCrewMember = name
		}
	}

	if record := d.postResponseTransition(ctx, req, conv, member, responseText); record != nil {
		d.logger.Info("crew transition scheduled for next turn",
			"conversation", conv.ID, "from", record.From, "to", record.To, "reason", record.Reason)
	}
}

// TransitionRecord describes a post-response handoff. It is surfaced
// out-of-band: the client sees its effect on the next turn.
type TransitionRecord struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// postResponseTransition applies the field-driven PostMessageTransfer hook
// first and consults the legacy CheckTransition path only when it declines.
func (d *Dispatcher) postResponseTransition(ctx context.Context, req Request, conv *store.Conversation, member crew.Member, responseText string) *TransitionRecord {
	cfg := member.Config()
	collected := d.fields.Get(ctx, conv)

	if cfg.TransitionTo != "" && member.PostMessageTransfer(collected) {
		if record := d.switchCrew(ctx, req, conv, cfg.Name, cfg.TransitionTo, "post-message transfer"); record != nil {
			transitionsTotal.WithLabelValues("post_message").Inc()
			return record
		}
	}

	if decision := member.CheckTransition(crew.TransitionParams{
		Message:   req.Message,
		Response:  responseText,
		Collected: collected,
	}); decision != nil {
		if record := d.switchCrew(ctx, req, conv, cfg.Name, decision.Target, decision.Reason); record != nil {
			transitionsTotal.WithLabelValues("check").Inc()
			return record
		}
	}
	return nil
}

func (d *Dispatcher) switchCrew(ctx context.Context, req Request, conv *store.Conversation, from, to, reason string) *TransitionRecord {
	if _, ok := d.crews.Get(ctx, req.AgentName, to); !ok {
		d.logger.Warn("transition target missing, dropping transition", "agent", req.AgentName, "from", from, "to", to)
		return nil
	}
	if err := d.conversations.SetCurrentCrew(ctx, conv.ID, to); err != nil {
		d.logger.Warn("failed to persist current crew", "conversation", conv.ID, "error", err)
		return nil
	}
	conv.CurrentCrewMember = to
	return &TransitionRecord{From: from, To: to, Reason: reason, Timestamp: time.Now()}
}
