// Package inline extracts structured directives (title, suggestions)
// embedded in the model's raw text output. The parser is an explicit state
// machine fed chunk by chunk; a tag may straddle chunk boundaries
// arbitrarily, so partial-tag state carries across Feed calls and Flush
// finalizes anything left open at stream end.
package inline

import "strings"

// Kind classifies a parser action.
type Kind string

const (
	MessageStart Kind = "message-start"
	MessageDelta Kind = "message-delta"
	MessageEnd   Kind = "message-end"

	TitleStart Kind = "title-start"
	TitleDelta Kind = "title-delta"
	TitleEnd   Kind = "title-end"

	SuggestionsStart Kind = "suggestions-start"
	SuggestionStart  Kind = "suggestion-start"
	SuggestionDelta  Kind = "suggestion-delta"
	SuggestionEnd    Kind = "suggestion-end"
	SuggestionsEnd   Kind = "suggestions-end"
)

// Action is one parsed span or lifecycle transition.
type Action struct {
	Kind  Kind
	Text  string
	Index int
}

const (
	tagTitleOpen        = "<title>"
	tagTitleClose       = "</title>"
	tagSuggestionsOpen  = "<suggestions>"
	tagSuggestionsClose = "</suggestions>"
	tagSuggestionOpen   = "<suggestion>"
	tagSuggestionClose  = "</suggestion>"
)

var knownTags = []string{
	tagTitleOpen, tagTitleClose,
	tagSuggestionsOpen, tagSuggestionsClose,
	tagSuggestionOpen, tagSuggestionClose,
}

func isTagPrefix(s string) bool {
	for _, tag := range knownTags {
		if strings.HasPrefix(tag, s) {
			return true
		}
	}
	return false
}

type mode int

const (
	modeMessage mode = iota
	modeTitle
	modeSuggestions // between suggestion items
	modeSuggestion  // inside one item
)

// Parser demultiplexes plain message text from embedded directives.
type Parser struct {
	mode        mode
	tag         strings.Builder // partial tag, including the leading '<'
	messageOpen bool
	index       int // current suggestion index
}

func NewParser() *Parser {
	return &Parser{}
}

// Feed consumes one chunk and returns the actions it completes.
func (p *Parser) Feed(chunk string) []Action {
	var actions []Action
	var text strings.Builder

	flushText := func() {
		if text.Len() == 0 {
			return
		}
		actions = p.emitText(actions, text.String())
		text.Reset()
	}

	for i := 0; i < len(chunk); i++ {
		c := chunk[i]

		if p.tag.Len() > 0 {
			if c == '<' {
				// A new tag opens before the previous candidate closed:
				// the candidate was plain text.
				text.WriteString(p.tag.String())
				p.tag.Reset()
				p.tag.WriteByte(c)
				continue
			}
			p.tag.WriteByte(c)
			candidate := p.tag.String()
			if c == '>' {
				p.tag.Reset()
				if kind, ok := tagAction(candidate); ok {
					flushText()
					actions = p.applyTag(actions, kind)
				} else {
					text.WriteString(candidate)
				}
				continue
			}
			if !isTagPrefix(candidate) {
				text.WriteString(candidate)
				p.tag.Reset()
			}
			continue
		}

		if c == '<' {
			p.tag.WriteByte(c)
			continue
		}
		text.WriteByte(c)
	}

	flushText()
	return actions
}

// Flush finalizes any directive or partial tag left open at stream end.
func (p *Parser) Flush() []Action {
	var actions []Action

	if p.tag.Len() > 0 {
		actions = p.emitText(actions, p.tag.String())
		p.tag.Reset()
	}

	switch p.mode {
	case modeTitle:
		actions = append(actions, Action{Kind: TitleEnd})
	case modeSuggestion:
		actions = append(actions, Action{Kind: SuggestionEnd, Index: p.index})
		actions = append(actions, Action{Kind: SuggestionsEnd})
	case modeSuggestions:
		actions = append(actions, Action{Kind: SuggestionsEnd})
	}
	p.mode = modeMessage

	if p.messageOpen {
		actions = append(actions, Action{Kind: MessageEnd})
		p.messageOpen = false
	}
	return actions
}

// emitText routes a text span according to the current mode. Text between
// suggestion items (typically whitespace) is dropped.
func (p *Parser) emitText(actions []Action, text string) []Action {
	switch p.mode {
	case modeMessage:
		if !p.messageOpen {
			actions = append(actions, Action{Kind: MessageStart})
			p.messageOpen = true
		}
		actions = append(actions, Action{Kind: MessageDelta, Text: text})
	case modeTitle:
		actions = append(actions, Action{Kind: TitleDelta, Text: text})
	case modeSuggestion:
		actions = append(actions, Action{Kind: SuggestionDelta, Text: text, Index: p.index})
	case modeSuggestions:
	}
	return actions
}

func tagAction(tag string) (string, bool) {
	for _, known := range knownTags {
		if tag == known {
			return tag, true
		}
	}
	return "", false
}

// applyTag performs the state transition for a complete recognized tag. A
// tag that is invalid in the current mode is demoted to plain text.
func (p *Parser) applyTag(actions []Action, tag string) []Action {
	switch {
	case tag == tagTitleOpen && p.mode == modeMessage:
		p.mode = modeTitle
		return append(actions, Action{Kind: TitleStart})
	case tag == tagTitleClose && p.mode == modeTitle:
		p.mode = modeMessage
		return append(actions, Action{Kind: TitleEnd})
	case tag == tagSuggestionsOpen && p.mode == modeMessage:
		p.mode = modeSuggestions
		p.index = 0
		return append(actions, Action{Kind: SuggestionsStart})
	case tag == tagSuggestionOpen && p.mode == modeSuggestions:
		p.mode = modeSuggestion
		return append(actions, Action{Kind: SuggestionStart, Index: p.index})
	case tag == tagSuggestionClose && p.mode == modeSuggestion:
		p.mode = modeSuggestions
		actions = append(actions, Action{Kind: SuggestionEnd, Index: p.index})
		p.index++
		return actions
	case tag == tagSuggestionsClose && (p.mode == modeSuggestions || p.mode == modeSuggestion):
		if p.mode == modeSuggestion {
			actions = append(actions, Action{Kind: SuggestionEnd, Index: p.index})
		}
		p.mode = modeMessage
		return append(actions, Action{Kind: SuggestionsEnd})
	default:
		return p.emitText(actions, tag)
	}
}
