package inline

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/user/streamhub/internal/bus"
	"github.com/user/streamhub/internal/sessionstate"
	"github.com/user/streamhub/internal/types"
)

// Dispatcher consumes parser actions: message content passes through as
// text-delta stream events (plus a persistence callback), title deltas
// accumulate and persist on title-end, and suggestions accumulate by index
// for persistence at stream end.
//
// The dispatcher is the single writer of the session title. Keeping title
// ownership here, not in the step lifecycle or status path, avoids two
// independent writers racing on the same field.
type Dispatcher struct {
	parser    *Parser
	bus       *bus.Bus
	sessionID types.SessionID
	sessions  types.SessionStore
	titles    sessionstate.TitleWriter
	onText    func(ctx context.Context, text string)

	title       strings.Builder
	suggestions map[int]*strings.Builder
}

// NewDispatcher wires a dispatcher for one stream. onText receives each
// plain message delta for step-part persistence and may be nil.
func NewDispatcher(b *bus.Bus, sessionID types.SessionID, sessions types.SessionStore, titles sessionstate.TitleWriter, onText func(ctx context.Context, text string)) *Dispatcher {
	return &Dispatcher{
		parser:      NewParser(),
		bus:         b,
		sessionID:   sessionID,
		sessions:    sessions,
		titles:      titles,
		onText:      onText,
		suggestions: make(map[int]*strings.Builder),
	}
}

// Feed runs one raw text delta through the parser and dispatches the
// resulting actions.
func (d *Dispatcher) Feed(ctx context.Context, chunk string) {
	for _, action := range d.parser.Feed(chunk) {
		d.dispatch(ctx, action)
	}
}

// Flush finalizes any tag left open at stream end.
func (d *Dispatcher) Flush(ctx context.Context) {
	for _, action := range d.parser.Flush() {
		d.dispatch(ctx, action)
	}
}

// Suggestions returns the accumulated suggestions sorted by index, with
// empty entries filtered out.
func (d *Dispatcher) Suggestions() []string {
	indexes := make([]int, 0, len(d.suggestions))
	for i := range d.suggestions {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]string, 0, len(indexes))
	for _, i := range indexes {
		if s := strings.TrimSpace(d.suggestions[i].String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (d *Dispatcher) publish(ctx context.Context, typ types.EventType, payload any) {
	if _, err := d.bus.Publish(ctx, types.SessionStreamChannel(d.sessionID), typ, payload); err != nil {
		slog.Warn("inline dispatch publish failed", "session_id", string(d.sessionID), "type", string(typ), "error", err)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, action Action) {
	switch action.Kind {
	case MessageStart:
		d.publish(ctx, types.EventTextStart, nil)
	case MessageDelta:
		d.publish(ctx, types.EventTextDelta, map[string]string{"text": action.Text})
		if d.onText != nil {
			d.onText(ctx, action.Text)
		}
	case MessageEnd:
		d.publish(ctx, types.EventTextEnd, nil)

	case TitleStart:
		d.title.Reset()
		d.publish(ctx, types.EventSessionTitleUpdatedStart, nil)
	case TitleDelta:
		d.title.WriteString(action.Text)
		d.publish(ctx, types.EventSessionTitleUpdatedDelta, map[string]string{"text": action.Text})
	case TitleEnd:
		d.persistTitle(ctx, strings.TrimSpace(d.title.String()))
		d.publish(ctx, types.EventSessionTitleUpdatedEnd, nil)

	case SuggestionsStart:
		d.suggestions = make(map[int]*strings.Builder)
	case SuggestionStart:
		d.suggestions[action.Index] = &strings.Builder{}
	case SuggestionDelta:
		if b, ok := d.suggestions[action.Index]; ok {
			b.WriteString(action.Text)
		}
	case SuggestionEnd, SuggestionsEnd:
	}
}

// persistTitle writes the title to the session record and through the
// session state, which emits the canonical title-changed event.
func (d *Dispatcher) persistTitle(ctx context.Context, title string) {
	if title == "" {
		return
	}
	session, err := d.sessions.Get(ctx, d.sessionID)
	if err != nil {
		slog.Warn("load session for title update failed", "session_id", string(d.sessionID), "error", err)
	} else {
		session.Title = title
		if err := d.sessions.Update(ctx, session); err != nil {
			slog.Warn("persist title failed", "session_id", string(d.sessionID), "error", err)
		}
	}
	d.titles.SetTitle(ctx, title)
}
