package store

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/parleyhq/parley/internal/kv"
)

// SearchWeights configures relevance scoring. The defaults are heuristics,
// not load-bearing constants; tune them per deployment.
type SearchWeights struct {
	ExactPhrase   float64       // full query appears verbatim in content
	Keyword       float64       // per matched keyword index hit
	Entity        float64       // per matched entity index hit
	AgentName     float64       // query substring-matches the agent name
	Recency       float64       // boost when the message is recent
	RecencyWindow time.Duration // how recent counts as recent
}

// DefaultSearchWeights returns the stock relevance weighting.
func DefaultSearchWeights() SearchWeights {
	return SearchWeights{
		ExactPhrase:   10,
		Keyword:       2,
		Entity:        1,
		AgentName:     3,
		Recency:       1,
		RecencyWindow: 7 * 24 * time.Hour,
	}
}

// Search ranks stored messages against query. Results are scored with the
// configured weights and ordered by score descending, recency breaking
// ties. With opts.ConversationID set, no message outside that conversation
// is ever returned.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	scanRange := kv.Range{}
	index := ""
	if opts.ConversationID != nil {
		index = indexSearchConv
		scanRange = convScopeRange(*opts.ConversationID)
	}
	recs, err := s.engine.RangeScan(ctx, storeSearchIndex, index, scanRange, kv.Forward, 0)
	if err != nil {
		return nil, fmt.Errorf("scan search index: %w", err)
	}

	queryLower := strings.ToLower(query)
	queryTokens := tokenize(query)
	now := time.Now().UTC()

	var results []SearchResult
	for _, rec := range recs {
		var entry SearchIndexEntry
		if err := decodeJSONRecord(rec.Value, &entry); err != nil {
			s.reportCorruption("search_entry", string(rec.Key), err)
			continue
		}
		if opts.ConversationID != nil && entry.ConversationID != *opts.ConversationID {
			continue
		}

		score := s.scoreEntry(&entry, queryLower, queryTokens, now)
		if score <= 0 {
			continue
		}

		msg, err := s.Message(ctx, entry.MessageID)
		if err != nil {
			s.logger.Debug("search hit without message", "message_id", entry.MessageID, "error", err)
			continue
		}
		// The index is derived, never authoritative: confirm against content.
		if s.cfg.Weights.ExactPhrase > 0 && strings.Contains(strings.ToLower(msg.Content), queryLower) {
			score += s.cfg.Weights.ExactPhrase
		}
		results = append(results, SearchResult{Message: msg, Score: score})
	}

	sortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// scoreEntry computes the index-derived part of the relevance score.
func (s *Store) scoreEntry(entry *SearchIndexEntry, queryLower string, queryTokens []string, now time.Time) float64 {
	w := s.cfg.Weights
	var score float64

	keywords := make(map[string]bool, len(entry.Keywords))
	for _, k := range entry.Keywords {
		keywords[k] = true
	}
	entities := make(map[string]bool, len(entry.Entities))
	for _, e := range entry.Entities {
		entities[strings.ToLower(e)] = true
	}

	for _, tok := range queryTokens {
		if keywords[tok] {
			score += w.Keyword
		}
		if entities[tok] {
			score += w.Entity
		}
	}

	if w.AgentName > 0 && entry.AgentName != "" &&
		strings.Contains(strings.ToLower(entry.AgentName), queryLower) {
		score += w.AgentName
	}

	if w.Recency > 0 && w.RecencyWindow > 0 && now.Sub(entry.Timestamp) <= w.RecencyWindow {
		score += w.Recency
	}
	return score
}

// deriveSearchEntry builds the index entry for a message at write time.
func deriveSearchEntry(msg *Message) *SearchIndexEntry {
	return &SearchIndexEntry{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Keywords:       tokenize(msg.Content),
		Entities:       extractEntities(msg.Content),
		Timestamp:      msg.Timestamp,
		AgentName:      msg.Metadata.AgentName,
	}
}

// stopwords are excluded from the keyword index.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true,
	"has": true, "have": true, "i": true, "in": true, "is": true, "it": true,
	"of": true, "on": true, "or": true, "that": true, "the": true,
	"this": true, "to": true, "was": true, "what": true, "with": true,
	"you": true,
}

// tokenize lowercases content and splits it into deduplicated keyword
// tokens, dropping stopwords and single characters.
func tokenize(content string) []string {
	fields := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// extractEntities pulls capitalized mid-sentence words out of content as a
// cheap named-entity heuristic.
func extractEntities(content string) []string {
	fields := strings.FieldsFunc(content, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	seen := make(map[string]bool)
	var out []string
	for i, f := range fields {
		if i == 0 || len(f) < 2 {
			continue // sentence-initial capitals are not evidence
		}
		r := []rune(f)
		if !unicode.IsUpper(r[0]) {
			continue
		}
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
