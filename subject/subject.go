// Package subject builds, parses and matches the hierarchical addresses events
// are published under.
//
// A full subject has the form domain.action.channelType.instanceId. The event
// type is domain.action, and instanceId is everything after the third token,
// so it may contain dots itself. When channelType or instanceId is unknown the
// subject degrades to the bare event type.
package subject

import (
	"strings"
)

const (
	// Separator delimits subject tokens.
	Separator = "."

	// WildcardToken matches exactly one token.
	WildcardToken = "*"

	// TailToken matches one or more trailing tokens. Legal only as the last pattern token.
	TailToken = ">"
)

// minTokens is domain, action, channelType and at least one instanceId token.
const minTokens = 4

// Parts is a decoded full subject.
type Parts struct {
	Domain      string
	Action      string
	Type        string
	ChannelType string
	InstanceID  string
}

var tokenReplacer = strings.NewReplacer(
	" ", "_",
	"\t", "_",
	"\n", "_",
	"\r", "_",
	WildcardToken, "_",
	TailToken, "_",
)

// Sanitize replaces characters that cannot appear in a literal subject token.
func Sanitize(token string) string {
	return tokenReplacer.Replace(token)
}

// Build joins the event type, channel type and instance ID into a full subject.
func Build(eventType, channelType, instanceID string) string {
	return eventType + Separator + Sanitize(channelType) + Separator + Sanitize(instanceID)
}

// Resolve returns the subject an event is written to: the full hierarchical
// form when both channelType and instanceID are set, the bare type otherwise.
func Resolve(eventType, channelType, instanceID string) string {
	if channelType == "" || instanceID == "" {
		return eventType
	}
	return Build(eventType, channelType, instanceID)
}

// Parse decodes a full subject. It reports false for subjects with fewer than
// four tokens or with any empty token.
func Parse(subject string) (Parts, bool) {
	tokens := strings.Split(subject, Separator)
	if len(tokens) < minTokens {
		return Parts{}, false
	}
	for _, t := range tokens {
		if t == "" {
			return Parts{}, false
		}
	}

	return Parts{
		Domain:      tokens[0],
		Action:      tokens[1],
		Type:        tokens[0] + Separator + tokens[1],
		ChannelType: tokens[2],
		InstanceID:  strings.Join(tokens[3:], Separator),
	}, true
}

// FirstToken returns the leading token of a subject, type or pattern.
func FirstToken(s string) string {
	if i := strings.Index(s, Separator); i >= 0 {
		return s[:i]
	}
	return s
}

// MatchesPattern reports whether subject matches pattern token by token.
// A "*" token matches exactly one subject token and a trailing ">" matches
// one or more remaining tokens.
func MatchesPattern(subject, pattern string) bool {
	st := strings.Split(subject, Separator)
	pt := strings.Split(pattern, Separator)

	for i, p := range pt {
		if p == TailToken {
			// only legal as the final token, and must consume at least one
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != WildcardToken && p != st[i] {
			return false
		}
	}

	return len(st) == len(pt)
}

// SubscribePattern builds a filter pattern from partially specified fields.
// Unset fields become wildcards; an unset instance ID after a known channel
// becomes a trailing ">" so dotted instance IDs still match.
func SubscribePattern(eventType, channelType, instanceID string) string {
	switch {
	case eventType == "" && channelType == "" && instanceID == "":
		return TailToken
	case channelType == "" && instanceID == "":
		return eventType + Separator + TailToken
	}

	typePart := eventType
	if typePart == "" {
		typePart = WildcardToken + Separator + WildcardToken
	}

	channelPart := WildcardToken
	if channelType != "" {
		channelPart = Sanitize(channelType)
	}

	if instanceID == "" {
		return typePart + Separator + channelPart + Separator + TailToken
	}
	return typePart + Separator + channelPart + Separator + Sanitize(instanceID)
}

// FilterSubjects expands a subscribe pattern into the filters a consumer
// needs. A "type.>" pattern never matches events published under the bare
// type, so the bare type is added as a second filter.
func FilterSubjects(pattern string) []string {
	if !strings.HasSuffix(pattern, Separator+TailToken) {
		return []string{pattern}
	}

	prefix := strings.TrimSuffix(pattern, Separator+TailToken)
	if strings.Count(prefix, Separator) != 1 || strings.Contains(prefix, WildcardToken) {
		return []string{pattern}
	}
	return []string{prefix, pattern}
}

// TypeFilters returns the filters that select every event of one type: the
// bare type, used when no channel or instance is known, and the type followed
// by any channel and instance tokens.
func TypeFilters(eventType string) []string {
	return []string{eventType, eventType + Separator + TailToken}
}

// IsWildcard reports whether a token is a wildcard.
func IsWildcard(token string) bool {
	return token == WildcardToken || token == TailToken
}
