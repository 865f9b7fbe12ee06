package engine

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/dukex/chatflow/pkg/models"
)

// TriggerMatcher decides which active flows an inbound event starts. It is safe for
// concurrent use; compiled keyword patterns are cached.
type TriggerMatcher struct {
	mu       sync.RWMutex
	patterns map[string]*regexp.Regexp
}

func NewTriggerMatcher() *TriggerMatcher {
	return &TriggerMatcher{patterns: make(map[string]*regexp.Regexp)}
}

// Match returns the flows whose trigger accepts the event, ordered by creation time and
// then ID so that repeated deliveries start flows in the same order.
func (m *TriggerMatcher) Match(event models.InboundEvent, flows []*models.FlowDefinition) []*models.FlowDefinition {
	var matched []*models.FlowDefinition

	for _, flow := range flows {
		if flow.TenantID != event.TenantID || !flow.AcceptsExecutions() {
			continue
		}

		if m.matches(event, flow) {
			matched = append(matched, flow)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}

		return matched[i].ID < matched[j].ID
	})

	return matched
}

func (m *TriggerMatcher) matches(event models.InboundEvent, flow *models.FlowDefinition) bool {
	trigger := flow.TriggerConfig

	switch event.Kind {
	case models.InboundAPIStart:
		return event.FlowID == flow.ID || event.FlowID == flow.LineageID
	case models.InboundConversationOpened:
		return trigger.Type == models.TriggerNewConversation
	case models.InboundMessage:
		return trigger.Type == models.TriggerKeyword && m.matchesKeyword(event.Text, trigger)
	default:
		return false
	}
}

func (m *TriggerMatcher) matchesKeyword(text string, trigger models.TriggerConfig) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	mode := trigger.MatchMode
	if mode == "" {
		mode = models.MatchExact
	}

	for _, keyword := range trigger.Keywords {
		if keyword == "" {
			continue
		}

		if mode == models.MatchRegex {
			if m.matchesPattern(keyword, text, trigger.CaseSensitive) {
				return true
			}

			continue
		}

		candidate, needle := text, strings.TrimSpace(keyword)
		if !trigger.CaseSensitive {
			candidate, needle = strings.ToLower(candidate), strings.ToLower(needle)
		}

		switch mode {
		case models.MatchExact:
			if candidate == needle {
				return true
			}
		case models.MatchContains:
			if containsWord(candidate, needle) {
				return true
			}
		case models.MatchPrefix:
			if strings.HasPrefix(candidate, needle) {
				return true
			}
		}
	}

	return false
}

// containsWord matches needle as a whole word sequence so that "hi" does not fire on "this".
func containsWord(text, needle string) bool {
	for offset := 0; offset <= len(text)-len(needle); {
		index := strings.Index(text[offset:], needle)
		if index < 0 {
			return false
		}

		start := offset + index
		end := start + len(needle)

		if (start == 0 || !isWordByte(text[start-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}

		offset = start + 1
	}

	return false
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func (m *TriggerMatcher) matchesPattern(pattern, text string, caseSensitive bool) bool {
	if !caseSensitive {
		pattern = "(?i)" + pattern
	}

	m.mu.RLock()
	compiled, ok := m.patterns[pattern]
	m.mu.RUnlock()

	if !ok {
		var err error

		compiled, err = regexp.Compile(pattern)
		if err != nil {
			return false
		}

		m.mu.Lock()
		m.patterns[pattern] = compiled
		m.mu.Unlock()
	}

	return compiled.MatchString(text)
}
