package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/chatrelay/internal/store"
)

// AttachmentMarker prefixes the stored copy of a user turn that carried an
// image. The marker is stripped before the turn is relayed upstream.
const AttachmentMarker = "[IMAGE ATTACHED] "

// Completer is the upstream completion API surface the orchestrator needs.
type Completer interface {
	Configured() bool
	Complete(ctx context.Context, model string, messages []ChatMessage) (string, error)
}

// SessionStore is the slice of the storage façade the orchestrator uses.
type SessionStore interface {
	EnsureSession(ctx context.Context, sessionID string) string
	AppendMessage(ctx context.Context, sessionID, role, content string) error
	Messages(ctx context.Context, sessionID string) ([]store.Message, error)
}

// Config selects models and bounds the context window.
type Config struct {
	TextModel     string
	VisionModel   string
	ContextWindow int
}

// Reply is the outcome of one relayed user turn.
type Reply struct {
	Response     string
	SessionID    string
	MessageCount int
}

// Orchestrator assembles the conversation window, relays it upstream and
// writes the resulting turns back through the storage façade.
type Orchestrator struct {
	store     SessionStore
	completer Completer
	cfg       Config
	onRelay   func(model, outcome string, elapsed time.Duration)
}

func NewOrchestrator(sessions SessionStore, completer Completer, cfg Config) *Orchestrator {
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 10
	}
	return &Orchestrator{store: sessions, completer: completer, cfg: cfg}
}

// SetRelayHook registers a callback fired after every upstream call with
// the model used, the outcome ("ok" or "error") and the elapsed time.
func (o *Orchestrator) SetRelayHook(hook func(model, outcome string, elapsed time.Duration)) {
	o.onRelay = hook
}

func (o *Orchestrator) relayed(model, outcome string, elapsed time.Duration) {
	if o.onRelay != nil {
		o.onRelay(model, outcome, elapsed)
	}
}

// Respond stores the user turn, relays the recent window and stores the
// assistant reply. When no upstream credential is configured the user turn
// is still stored and ErrNotConfigured is returned; no assistant turn is
// appended. imageBase64 is the already-encoded attachment for this request,
// empty when none.
func (o *Orchestrator) Respond(ctx context.Context, sessionID, message, imageBase64 string) (Reply, error) {
	sessionID = o.store.EnsureSession(ctx, sessionID)

	stored := message
	if imageBase64 != "" {
		stored = AttachmentMarker + message
	}
	if err := o.store.AppendMessage(ctx, sessionID, store.RoleUser, stored); err != nil {
		return Reply{SessionID: sessionID}, fmt.Errorf("store user turn: %w", err)
	}

	if !o.completer.Configured() {
		return Reply{SessionID: sessionID}, ErrNotConfigured
	}

	history, err := o.store.Messages(ctx, sessionID)
	if err != nil {
		return Reply{SessionID: sessionID}, fmt.Errorf("read history: %w", err)
	}

	window, multimodal := o.buildWindow(history, message, imageBase64)

	model := o.cfg.TextModel
	if multimodal {
		model = o.cfg.VisionModel
	}

	start := time.Now()
	text, err := o.completer.Complete(ctx, model, window)
	if err != nil {
		o.relayed(model, "error", time.Since(start))
		return Reply{SessionID: sessionID}, fmt.Errorf("relay: %w", err)
	}
	o.relayed(model, "ok", time.Since(start))

	if err := o.store.AppendMessage(ctx, sessionID, store.RoleAssistant, text); err != nil {
		return Reply{SessionID: sessionID}, fmt.Errorf("store assistant turn: %w", err)
	}

	updated, err := o.store.Messages(ctx, sessionID)
	if err != nil {
		return Reply{SessionID: sessionID}, fmt.Errorf("count messages: %w", err)
	}
	count := 0
	for _, m := range updated {
		if m.Role == store.RoleUser || m.Role == store.RoleAssistant {
			count++
		}
	}

	return Reply{Response: text, SessionID: sessionID, MessageCount: count}, nil
}

// buildWindow converts the most recent stored turns into the upstream
// payload. System-authored turns stay stored but never leave the process;
// attachment markers are stripped from historical turns; only the final
// user turn of an image-bearing request is sent multimodal.
func (o *Orchestrator) buildWindow(history []store.Message, message, imageBase64 string) ([]ChatMessage, bool) {
	recent := history
	if len(recent) > o.cfg.ContextWindow {
		recent = recent[len(recent)-o.cfg.ContextWindow:]
	}

	multimodal := false
	window := make([]ChatMessage, 0, len(recent))
	for i, m := range recent {
		if m.Role != store.RoleUser && m.Role != store.RoleAssistant {
			continue
		}
		if i == len(recent)-1 && m.Role == store.RoleUser && imageBase64 != "" {
			window = append(window, ChatMessage{
				Role:    m.Role,
				Content: MultimodalContent(message, imageBase64),
			})
			multimodal = true
			continue
		}
		window = append(window, ChatMessage{
			Role:    m.Role,
			Content: strings.TrimPrefix(m.Content, AttachmentMarker),
		})
	}
	return window, multimodal
}
