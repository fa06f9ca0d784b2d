package groupchat

import (
	"regexp"
	"strings"
)

// Router is the Selector half of C4/C5: given the turn's input text and the
// current roster, it scores every agent's route rules and returns the set
// of agents whose score clears the configured include threshold. Unlike a
// single first-match keyword router, every matching clause for an agent
// contributes its weight, so an agent can be included either by one strong
// signal or several weak ones.
type Router struct {
	IncludeThreshold float64
}

// NewRouter builds a Router with the given include threshold (spec's
// include_threshold configuration option).
func NewRouter(includeThreshold float64) *Router {
	return &Router{IncludeThreshold: includeThreshold}
}

// ScoredAgent pairs an agent with the score its routes produced for a given
// input.
type ScoredAgent struct {
	Agent *Agent
	Score float64
}

// Select scores every agent in roster against text and returns those whose
// score clears the include threshold, highest score first. A contextual
// reference to a previously-mentioned document or file name force-includes
// the owning agent regardless of score, matching the reference
// implementation's "if the user mentions a file already in play, keep the
// documents specialist in the loop" rule generalized to any domain tag.
func (r *Router) Select(roster []*Agent, text string, contextualTags []string) []ScoredAgent {
	lower := strings.ToLower(text)
	scored := make([]ScoredAgent, 0, len(roster))
	for _, agent := range roster {
		score := scoreAgent(agent, lower)
		if hasContextualReference(agent, contextualTags) {
			score = maxFloat(score, r.IncludeThreshold)
		}
		if score >= r.IncludeThreshold {
			scored = append(scored, ScoredAgent{Agent: agent, Score: score})
		}
	}
	sortScoredDesc(scored)
	return scored
}

func scoreAgent(agent *Agent, lowerText string) float64 {
	var total float64
	for _, rule := range agent.Routes {
		if rule.Contains != "" && strings.Contains(lowerText, strings.ToLower(rule.Contains)) {
			total += rule.Weight
			continue
		}
		if rule.Regex != "" {
			re, err := regexp.Compile(rule.Regex)
			if err != nil {
				continue
			}
			if re.MatchString(lowerText) {
				total += rule.Weight
			}
		}
	}
	return total
}

func hasContextualReference(agent *Agent, contextualTags []string) bool {
	if len(contextualTags) == 0 {
		return false
	}
	for _, tag := range contextualTags {
		for _, domain := range agent.DomainTags {
			if strings.EqualFold(tag, domain) {
				return true
			}
		}
	}
	return false
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func sortScoredDesc(s []ScoredAgent) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].Score > s[j-1].Score; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
