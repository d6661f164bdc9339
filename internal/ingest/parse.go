// Package ingest turns the chat bridge's stdout into inbound message
// events. The bridge logs each received message as
//
//	[2025-12-12 20:05:37] <- 917259443981: Hello
//
// (the marker may also be "←"). Every other line is passive log output.
package ingest

import (
	"regexp"
	"strings"
)

var inboundRe = regexp.MustCompile(`\[(.*?)\] (?:<-|←) (.*?): (.*)`)

// Event is one inbound message.
type Event struct {
	Timestamp string `json:"ts,omitempty"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`

	// ReplyTo is an explicit reply address supplied by the bridge (the
	// device-specific JID). Empty when only the sender is known.
	ReplyTo string `json:"reply_to,omitempty"`

	// Type is the bridge's message type ("text", "audio"). Empty means
	// text.
	Type string `json:"type,omitempty"`
}

// ParseLine converts one bridge stdout line into an Event. It reports
// false for blank lines and lines without the inbound marker.
func ParseLine(line string) (Event, bool) {
	clean := strings.TrimSpace(line)
	if clean == "" {
		return Event{}, false
	}
	m := inboundRe.FindStringSubmatch(clean)
	if m == nil {
		return Event{}, false
	}
	return Event{
		Timestamp: m[1],
		Sender:    strings.TrimSpace(m[2]),
		Text:      strings.TrimSpace(m[3]),
	}, true
}
