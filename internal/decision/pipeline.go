package decision

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/aristath/agentcore/internal/memory"
	"github.com/aristath/agentcore/internal/tool"
)

// lowConfidenceThreshold is the point below which the pipeline prefers the
// lowest-risk alternative over the nominal best.
const lowConfidenceThreshold = 0.5

// maxAlternatives carried on a decision.
const maxAlternatives = 3

// Pipeline ranks the registered tools against a goal. Stages run in a strict
// order: classify, retrieve, generate, filter, select, validate.
type Pipeline struct {
	registry    *tool.Registry
	mem         *memory.Store
	constraints []Constraint
	logger      *zap.Logger
}

// NewPipeline creates a pipeline over the given registry. mem may be nil to
// skip context retrieval.
func NewPipeline(registry *tool.Registry, mem *memory.Store, constraints []Constraint, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		registry:    registry,
		mem:         mem,
		constraints: constraints,
		logger:      logger.Named("decision"),
	}
}

// Decide runs all stages and returns the selected invocation. It fails with
// ErrNoViableOption when constraint filtering excludes every candidate.
func (p *Pipeline) Decide(ctx context.Context, goal string) (*Decision, error) {
	intent := p.classifyIntent(goal)

	priorContext := p.retrieveContext(goal)

	options := p.generateOptions(goal, intent, priorContext)

	options = p.filterOptions(options, intent)
	if len(options) == 0 {
		return nil, &ErrNoViableOption{Goal: goal}
	}

	return p.selectOption(options, intent), nil
}

// intentKeywords maps intent types to their trigger vocabulary.
var intentKeywords = map[string][]string{
	"create":      {"create", "write", "build", "generate", "draft", "produce", "make", "add"},
	"search":      {"search", "find", "look", "locate", "query", "retrieve", "recall"},
	"analyze":     {"analyze", "review", "inspect", "evaluate", "compare", "summarize", "explain"},
	"modify":      {"modify", "update", "edit", "change", "fix", "refactor", "delete", "remove"},
	"execute":     {"run", "execute", "deploy", "install", "start", "stop", "test"},
	"communicate": {"send", "notify", "report", "publish", "announce", "email"},
}

// classifyIntent extracts type, confidence, entities, and constraint clauses
// from the goal text.
func (p *Pipeline) classifyIntent(goal string) Intent {
	lower := strings.ToLower(goal)
	words := strings.Fields(lower)

	bestType := "general"
	bestHits := 0
	for intentType, keywords := range intentKeywords {
		hits := 0
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits > bestHits {
			bestHits = hits
			bestType = intentType
		}
	}

	confidence := 0.3 // floor for "general"
	if bestHits > 0 && len(words) > 0 {
		confidence = float64(bestHits) / float64(len(words))
		if confidence > 1 {
			confidence = 1
		}
		if confidence < 0.4 {
			confidence = 0.4 // at least one trigger word matched
		}
	}

	return Intent{
		Type:        bestType,
		Confidence:  confidence,
		Entities:    extractEntities(goal),
		Constraints: extractConstraints(lower),
	}
}

// extractEntities pulls quoted phrases out of the goal.
func extractEntities(goal string) []string {
	var entities []string
	parts := strings.Split(goal, `"`)
	for i := 1; i < len(parts); i += 2 {
		if e := strings.TrimSpace(parts[i]); e != "" {
			entities = append(entities, e)
		}
	}
	return entities
}

// extractConstraints pulls "must ..."/"only ..."/"without ..." clauses.
func extractConstraints(lower string) []string {
	var constraints []string
	for _, marker := range []string{"must ", "only ", "without ", "never "} {
		idx := 0
		for {
			i := strings.Index(lower[idx:], marker)
			if i < 0 {
				break
			}
			start := idx + i
			end := strings.IndexAny(lower[start:], ".;\n")
			if end < 0 {
				constraints = append(constraints, strings.TrimSpace(lower[start:]))
				break
			}
			constraints = append(constraints, strings.TrimSpace(lower[start:start+end]))
			idx = start + end
		}
	}
	return constraints
}

// retrieveContext pulls prior playbooks and similar past cases from the
// long-term and episodic scopes.
func (p *Pipeline) retrieveContext(goal string) []memory.Match {
	if p.mem == nil {
		return nil
	}
	matches := p.mem.Search(memory.ScopeLongTerm, goal, 3)
	matches = append(matches, p.mem.Search(memory.ScopeEpisodic, goal, 3)...)
	return matches
}

// generateOptions ranks every registered tool by the match between its
// name/description and the goal and intent. Prior cases that mention a tool
// nudge its score up.
func (p *Pipeline) generateOptions(goal string, intent Intent, prior []memory.Match) []ActionOption {
	goalTokens := tokenize(strings.ToLower(goal))

	var options []ActionOption
	for _, t := range p.registry.List() {
		text := strings.ToLower(t.Name + " " + t.Description)
		score := overlapScore(goalTokens, tokenize(text))
		if strings.Contains(text, intent.Type) {
			score += 0.2
		}
		for _, m := range prior {
			if strings.Contains(strings.ToLower(m.Entry.Value), strings.ToLower(t.Name)) {
				score += 0.1
				break
			}
		}
		if score <= 0 {
			continue
		}
		if score > 1 {
			score = 1
		}
		options = append(options, ActionOption{
			Tool:              t.Name,
			Args:              defaultArgs(t, goal),
			Score:             score,
			Risk:              t.Risk,
			EstimatedDuration: t.EstimatedDuration,
		})
	}

	sort.Slice(options, func(i, j int) bool { return options[i].Score > options[j].Score })
	return options
}

// defaultArgs seeds the invocation with the goal text for tools that accept
// a free-form input argument.
func defaultArgs(t *tool.Tool, goal string) map[string]any {
	args := map[string]any{}
	for name, spec := range t.Args {
		if spec.Required && spec.Type == tool.ArgString {
			args[name] = goal
		}
	}
	return args
}

// filterOptions applies every constraint to every option. An error-severity
// violation excludes the option; a warning is logged and the option survives.
func (p *Pipeline) filterOptions(options []ActionOption, intent Intent) []ActionOption {
	if len(p.constraints) == 0 {
		return options
	}
	var surviving []ActionOption
	for _, opt := range options {
		excluded := false
		for _, c := range p.constraints {
			err := c.Check(opt, intent)
			if err == nil {
				continue
			}
			if c.Severity == SeverityError {
				p.logger.Debug("option excluded by constraint",
					zap.String("tool", opt.Tool),
					zap.String("constraint", c.Name),
					zap.Error(err))
				excluded = true
				break
			}
			p.logger.Warn("constraint warning",
				zap.String("tool", opt.Tool),
				zap.String("constraint", c.Name),
				zap.Error(err))
		}
		if !excluded {
			surviving = append(surviving, opt)
		}
	}
	return surviving
}

// selectOption picks the highest-confidence survivor, carrying up to three
// alternatives. Low confidence prefers the lowest-risk candidate; tools that
// require approval are flagged for the external gate.
func (p *Pipeline) selectOption(options []ActionOption, intent Intent) *Decision {
	best := options[0]
	confidence := best.Score * intent.Confidence
	if confidence > best.Score {
		confidence = best.Score
	}
	// A strong direct match should not be dragged down by vague goal text.
	if best.Score >= 0.8 && confidence < best.Score*0.5 {
		confidence = best.Score * 0.5
	}

	var alternatives []ActionOption
	for _, opt := range options[1:] {
		alternatives = append(alternatives, opt)
		if len(alternatives) == maxAlternatives {
			break
		}
	}

	chosen := best
	if confidence < lowConfidenceThreshold {
		// Prefer the lowest-risk candidate over the nominal best.
		for _, opt := range options {
			if riskRank(opt.Risk) < riskRank(chosen.Risk) {
				chosen = opt
			}
		}
		if chosen.Tool != best.Tool {
			p.logger.Info("low confidence, falling back to lowest-risk option",
				zap.String("nominal", best.Tool),
				zap.String("chosen", chosen.Tool),
				zap.Float64("confidence", confidence))
			// Rebuild alternatives without the chosen option.
			alternatives = alternatives[:0]
			for _, opt := range options {
				if opt.Tool == chosen.Tool {
					continue
				}
				alternatives = append(alternatives, opt)
				if len(alternatives) == maxAlternatives {
					break
				}
			}
		}
	}

	requiresApproval := false
	if t, ok := p.registry.Get(chosen.Tool); ok {
		requiresApproval = t.RequiresApproval
	}

	return &Decision{
		Tool:             chosen.Tool,
		Args:             chosen.Args,
		Confidence:       confidence,
		Alternatives:     alternatives,
		RequiresApproval: requiresApproval,
	}
}

func tokenize(s string) map[string]bool {
	set := map[string]bool{}
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		set[tok] = true
	}
	return set
}

// overlapScore is the share of goal tokens present in the tool text.
func overlapScore(goal, text map[string]bool) float64 {
	if len(goal) == 0 {
		return 0
	}
	hits := 0
	for tok := range goal {
		if text[tok] {
			hits++
		}
	}
	return float64(hits) / float64(len(goal))
}
