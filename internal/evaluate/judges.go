package evaluate

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"quantpilot/internal/config"
)

// Sample is one prompt answered by the baseline and by a candidate.
type Sample struct {
	PromptID   string
	Prompt     string
	Baseline   string
	Response   string
	Similarity float64
}

// Judge scores one sample along named dimensions, each in [0,1]. The
// evaluator aggregates judges without knowing what they are.
type Judge interface {
	Name() string
	Weight() float64
	Score(ctx context.Context, s Sample) (map[string]float64, error)
}

// dimensionMix says how much of a dimension comes from embedding similarity
// versus length agreement. Unknown dimensions use the default mix.
var dimensionMix = map[string]float64{
	"coherence":       0.6,
	"appropriateness": 0.9,
	"empathy":         0.8,
	"creativity":      0.7,
}

const defaultMix = 0.8

// PersonaJudge is a heuristic judge with a fixed bias: a strict persona
// scores below the raw signal, a generous one above.
type PersonaJudge struct {
	name       string
	bias       float64
	weight     float64
	dimensions []string
}

// NewPersonaJudge returns a persona judge over dims.
func NewPersonaJudge(name string, bias, weight float64, dims []string) *PersonaJudge {
	return &PersonaJudge{name: name, bias: bias, weight: weight, dimensions: dims}
}

func (p *PersonaJudge) Name() string    { return p.name }
func (p *PersonaJudge) Weight() float64 { return p.weight }

func (p *PersonaJudge) Score(_ context.Context, s Sample) (map[string]float64, error) {
	out := make(map[string]float64, len(p.dimensions))
	if strings.TrimSpace(s.Response) == "" {
		for _, d := range p.dimensions {
			out[d] = 0
		}
		return out, nil
	}
	lr := lengthRatio(s.Baseline, s.Response)
	for _, d := range p.dimensions {
		mix, ok := dimensionMix[d]
		if !ok {
			mix = defaultMix
		}
		out[d] = clamp01(mix*s.Similarity + (1-mix)*lr + p.bias)
	}
	return out, nil
}

// Completer is the generation capability a ModelJudge needs.
type Completer interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
}

// ModelJudge asks a judge model to grade the candidate response 0-10 per
// dimension against the baseline response.
type ModelJudge struct {
	name       string
	model      string
	bias       float64
	weight     float64
	dimensions []string
	gen        Completer
}

// NewModelJudge returns a judge backed by model.
func NewModelJudge(name, model string, bias, weight float64, dims []string, gen Completer) *ModelJudge {
	return &ModelJudge{name: name, model: model, bias: bias, weight: weight, dimensions: dims, gen: gen}
}

func (m *ModelJudge) Name() string    { return m.name }
func (m *ModelJudge) Weight() float64 { return m.weight }

var gradeLine = regexp.MustCompile(`(?i)^\s*([a-z_ ]+)\s*[:=-]\s*([0-9]+(?:\.[0-9]+)?)`)

func (m *ModelJudge) Score(ctx context.Context, s Sample) (map[string]float64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "You are grading a reply against a reference reply.\nPrompt: %s\nReference: %s\nReply: %s\n", s.Prompt, s.Baseline, s.Response)
	fmt.Fprintf(&b, "For each of the following dimensions output one line \"dimension: score\" with a score from 0 to 10: %s\n",
		strings.Join(m.dimensions, ", "))
	out, err := m.gen.Generate(ctx, m.model, b.String())
	if err != nil {
		return nil, fmt.Errorf("judge %s: %w", m.name, err)
	}
	grades := map[string]float64{}
	for _, line := range strings.Split(out, "\n") {
		mm := gradeLine.FindStringSubmatch(line)
		if mm == nil {
			continue
		}
		v, err := strconv.ParseFloat(mm[2], 64)
		if err != nil {
			continue
		}
		grades[strings.ReplaceAll(strings.ToLower(strings.TrimSpace(mm[1])), " ", "_")] = v
	}
	scores := make(map[string]float64, len(m.dimensions))
	for _, d := range m.dimensions {
		v, ok := grades[d]
		if !ok {
			return nil, fmt.Errorf("judge %s: no grade for %q", m.name, d)
		}
		scores[d] = clamp01(v/10 + m.bias)
	}
	return scores, nil
}

// JudgesFromConfig builds the configured ensemble.
func JudgesFromConfig(cfg config.EvaluationConfig, gen Completer) ([]Judge, error) {
	judges := make([]Judge, 0, len(cfg.Judges))
	for _, jc := range cfg.Judges {
		w := jc.Weight
		if w <= 0 {
			w = 1
		}
		switch strings.ToLower(jc.Kind) {
		case "", "persona":
			judges = append(judges, NewPersonaJudge(jc.Name, jc.Bias, w, cfg.Dimensions))
		case "model":
			if gen == nil || jc.Model == "" {
				return nil, fmt.Errorf("judge %s: model judges need a model and an llm backend", jc.Name)
			}
			judges = append(judges, NewModelJudge(jc.Name, jc.Model, jc.Bias, w, cfg.Dimensions, gen))
		default:
			return nil, fmt.Errorf("judge %s: unknown kind %q", jc.Name, jc.Kind)
		}
	}
	if len(judges) == 0 {
		return nil, fmt.Errorf("no judges configured")
	}
	return judges, nil
}
