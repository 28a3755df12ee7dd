package model

import (
	"bytes"
	"encoding/json"
	"strings"
)

// TextSeparator joins message contents in derived search text so that a query
// cannot match across two messages.
const TextSeparator = "\x1f"

// NormalizeQuery lower-cases a search query.
func NormalizeQuery(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

// MessageText is the lower-cased, separator-joined content of msgs.
func MessageText(msgs []Message) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = strings.ToLower(m.Content)
	}
	return strings.Join(parts, TextSeparator)
}

// MetadataText is the lower-cased JSON serialization of meta.
func MetadataText(meta map[string]any) string {
	if len(meta) == 0 {
		return ""
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(meta); err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(buf.String()))
}

// Match reports whether conv is eligible for the normalized query: the query is a
// substring of some message content or of the serialized metadata. The first
// matching message is returned when there is one.
func Match(conv *Conversation, query string) (*Message, bool) {
	if conv == nil || query == "" {
		return nil, false
	}
	for i := range conv.Messages {
		if strings.Contains(strings.ToLower(conv.Messages[i].Content), query) {
			m := conv.Messages[i]
			return &m, true
		}
	}
	if strings.Contains(MetadataText(conv.Metadata), query) {
		return nil, true
	}
	return nil, false
}

// NewSearchMatch builds the search result for an eligible conversation.
func NewSearchMatch(conv *Conversation, matched *Message) SearchMatch {
	return SearchMatch{ConversationSummary: conv.Summary(), MatchedMessage: matched}
}
