package nats

import (
	"fmt"
	"strings"

	"github.com/mExOms/gateway/pkg/types"
)

// Subject naming convention:
// {prefix}.{venue}.{type}
// Examples:
// - gateway.binance.price
// - gateway.bybit.statusChanged
// - gateway.*.order

// DefaultPrefix is used when no prefix is configured
const DefaultPrefix = "gateway"

// noVenue stands in for events that are not tied to a venue
const noVenue = "_"

// Subject returns the subject an event is published on
func Subject(prefix string, evt types.Event) string {
	return BuildSubject(prefix, evt.Venue, string(evt.Type))
}

// BuildSubject joins the tokens of an event subject. An empty type matches any type.
func BuildSubject(prefix, venue, eventType string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	venue = token(venue)
	if venue == "" {
		venue = noVenue
	}
	eventType = token(eventType)
	if eventType == "" {
		eventType = "*"
	}
	return strings.Join([]string{prefix, venue, eventType}, ".")
}

// VenueSubject matches every event of one venue
func VenueSubject(prefix, venue string) string {
	return BuildSubject(prefix, venue, "")
}

// ParseSubject splits an event subject into its venue and event type
func ParseSubject(subject string) (venue string, eventType types.EventType, err error) {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 {
		return "", "", fmt.Errorf("invalid event subject format: %s", subject)
	}
	venue = parts[1]
	if venue == noVenue {
		venue = ""
	}
	return venue, types.EventType(parts[2]), nil
}

// token strips characters NATS treats as separators or wildcards
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
