// Package gate implements the semantic admission filter over a shared
// world-model token index. A gate decision bounds what context is allowed
// to reach downstream generation: no matches or a weak top score keeps the
// gate closed. Evaluation is stateless per call and fully deterministic.
package gate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/adaptco/trustplane/pkg/vector"
)

// Token is one entry in the world-model index.
type Token struct {
	TokenID          string        `json:"token_id"`
	SourceArtifactID string        `json:"source_artifact_id"`
	Vector           vector.Vector `json:"vector"`
	Text             string        `json:"text"`
}

// WorldModel is the token index the gate retrieves over.
type WorldModel struct {
	Tokens map[string]Token `json:"vector_tokens"`
}

// Match is a single semantic match between a query and a token.
type Match struct {
	TokenID          string  `json:"token_id"`
	SourceArtifactID string  `json:"source_artifact_id"`
	Score            float64 `json:"score"`
	Text             string  `json:"text"`
}

// Decision is the gate output for a single pipeline node. Ephemeral — never
// persisted.
type Decision struct {
	Node      string  `json:"node"`
	IsOpen    bool    `json:"is_open"`
	Query     string  `json:"query"`
	Threshold float64 `json:"threshold"`
	TopScore  float64 `json:"top_score"`
	Matches   []Match `json:"matches"`
}

// Gate evaluates deterministic semantic retrieval over world-model tokens.
type Gate struct {
	MinSimilarity float64
	TopK          int
}

// New creates a gate with the given admission threshold and match budget.
func New(minSimilarity float64, topK int) *Gate {
	return &Gate{MinSimilarity: minSimilarity, TopK: topK}
}

// Default returns the standard gate configuration.
func Default() *Gate {
	return New(0.20, 3)
}

// Evaluate embeds the query deterministically at the token dimension and
// scores it against every token. Tokens whose vectors have a different
// dimension are skipped rather than treated as errors — the index may hold
// heterogeneous or legacy vectors.
func (g *Gate) Evaluate(node, query string, worldModel WorldModel) Decision {
	decision := Decision{
		Node:      node,
		Query:     query,
		Threshold: g.MinSimilarity,
	}

	tokens := make([]Token, 0, len(worldModel.Tokens))
	for _, token := range worldModel.Tokens {
		tokens = append(tokens, token)
	}
	if len(tokens) == 0 {
		return decision
	}
	// Stable iteration order so tie-breaks never depend on map order.
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].TokenID < tokens[j].TokenID })

	dimensions := len(tokens[0].Vector)
	queryVector := vector.TextEmbedding(query, dimensions)

	matches := make([]Match, 0, len(tokens))
	for _, token := range tokens {
		if len(token.Vector) != dimensions {
			continue
		}
		score, err := vector.Cosine(queryVector, token.Vector)
		if err != nil {
			continue
		}
		matches = append(matches, Match{
			TokenID:          token.TokenID,
			SourceArtifactID: token.SourceArtifactID,
			Score:            score,
			Text:             token.Text,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > g.TopK {
		matches = matches[:g.TopK]
	}

	decision.Matches = matches
	if len(matches) > 0 {
		decision.TopScore = matches[0].Score
		decision.IsOpen = decision.TopScore >= g.MinSimilarity
	}
	return decision
}

// FormatPromptContext renders a decision for prompt injection under a hard
// character budget: a header line, then enumerated match lines, stopping
// before any line that would exceed the remaining budget.
func (g *Gate) FormatPromptContext(decision Decision, maxChars int) string {
	state := "CLOSED"
	if decision.IsOpen {
		state = "OPEN"
	}
	header := fmt.Sprintf("[VECTOR_GATE node=%s state=%s threshold=%.2f top_score=%.3f]",
		decision.Node, state, decision.Threshold, decision.TopScore)

	if len(decision.Matches) == 0 {
		return header + "\nNo vector tokens available."
	}

	lines := []string{header}
	remaining := maxChars

	for i, match := range decision.Matches {
		snippet := strings.Join(strings.Fields(match.Text), " ")
		if runes := []rune(snippet); len(runes) > 220 {
			snippet = string(runes[:217]) + "..."
		}
		line := fmt.Sprintf("%d. score=%.3f token=%s source=%s text=%s",
			i+1, match.Score, match.TokenID, match.SourceArtifactID, snippet)
		if len(line) > remaining {
			break
		}
		lines = append(lines, line)
		remaining -= len(line)
	}

	return strings.Join(lines, "\n")
}
