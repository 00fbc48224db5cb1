package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/edgelang/lingod/internal/database"
)

// responder evaluates auto-responder rules against inbound text.
type responder struct {
	log   *slog.Logger
	store database.Store
}

// ruleMatch is one rule firing: the winning rule and the keyword that
// triggered it.
type ruleMatch struct {
	rule    *database.AutoResponderRule
	keyword string
}

// Match finds the first active rule of the user with a keyword contained
// case-insensitively in the text. Rules arrive ordered by priority DESC
// then id ASC, so the scan is deterministic and at most one rule wins.
// Lookup failures are logged and swallowed; matching is best-effort.
func (r *responder) Match(ctx context.Context, userID int64, text string) *ruleMatch {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	rules, err := r.store.ListActiveRules(ctx, userID)
	if err != nil {
		r.log.Error("loading responder rules failed", "user_id", userID, "error", err)
		return nil
	}

	lowered := strings.ToLower(text)
	for _, rule := range rules {
		for _, keyword := range rule.Keywords {
			keyword = strings.TrimSpace(keyword)
			if keyword == "" {
				continue
			}
			if strings.Contains(lowered, strings.ToLower(keyword)) {
				return &ruleMatch{rule: rule, keyword: keyword}
			}
		}
	}

	return nil
}

// normalizeKeywords trims rule keywords and drops empty entries.
func normalizeKeywords(keywords []string) (database.Keywords, error) {
	out := make(database.Keywords, 0, len(keywords))
	for _, keyword := range keywords {
		keyword = strings.TrimSpace(keyword)
		if keyword != "" {
			out = append(out, keyword)
		}
	}
	if len(out) == 0 {
		return nil, ErrEmptyKeywords
	}
	return out, nil
}
