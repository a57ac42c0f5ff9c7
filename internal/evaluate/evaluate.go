// Package evaluate scores quantized candidates against a baseline model by
// combining an automated judge ensemble with weighted human ratings.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"quantpilot/internal/config"
	"quantpilot/internal/store"
)

// Generator produces a response from the model at path (or server id).
type Generator interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
}

// Embedder maps texts to vectors, one per input in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// HumanSource supplies collected human ratings for a candidate.
type HumanSource interface {
	Ratings(ctx context.Context, candidateID string) ([]store.Rating, error)
}

// SampleSink stores the prompt/response pairs shown to human raters.
type SampleSink interface {
	SaveSamples(ctx context.Context, samples []store.Sample) error
}

// Prompt is one fixed evaluation prompt.
type Prompt struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// PromptSet assigns stable ids to texts.
func PromptSet(texts []string) []Prompt {
	out := make([]Prompt, len(texts))
	for i, t := range texts {
		out[i] = Prompt{ID: fmt.Sprintf("p%02d", i+1), Text: t}
	}
	return out
}

// Candidate is one artifact under evaluation.
type Candidate struct {
	ID     string  `json:"id"`
	Path   string  `json:"path"`
	SizeGB float64 `json:"size_gb"`
}

// Breakdown holds per-criterion averages of both tracks.
type Breakdown struct {
	AI     map[string]float64 `json:"ai"`
	Human  map[string]float64 `json:"human,omitempty"`
	Judges map[string]float64 `json:"judges"`
}

// Result is one candidate's evaluation.
type Result struct {
	CandidateID    string    `json:"candidate_id"`
	Path           string    `json:"path"`
	SizeGB         float64   `json:"size_gb"`
	AIScore        float64   `json:"ai_score"`
	HumanScore     float64   `json:"human_score"`
	CombinedScore  float64   `json:"combined_score"`
	Confidence     float64   `json:"confidence"`
	Criteria       Breakdown `json:"criteria_breakdown"`
	HumanSamples   int       `json:"human_samples"`
	Degraded       bool      `json:"degraded"`
	RequiresReview bool      `json:"requires_review"`
	Rank           int       `json:"rank"`
}

// Settings are the evaluator's tunables.
type Settings struct {
	AIWeight            float64
	HumanWeight         float64
	ConsensusThreshold  float64
	MinimumHumanSamples int
	Policy              string
	PromptSampleSize    int
	EnsembleMode        string
	HumanCriteria       map[string]float64
}

// SettingsFrom copies the relevant config fields.
func SettingsFrom(c config.EvaluationConfig) Settings {
	return Settings{
		AIWeight:            c.AIJudgeWeight,
		HumanWeight:         c.HumanJudgeWeight,
		ConsensusThreshold:  c.ConsensusThreshold,
		MinimumHumanSamples: c.MinimumHumanSamples,
		Policy:              c.InsufficientHumanPolicy,
		PromptSampleSize:    c.PromptSampleSize,
		EnsembleMode:        c.EnsembleMode,
		HumanCriteria:       c.HumanCriteria,
	}
}

// InsufficientHumanError is returned under the refuse policy when any
// candidate lacks the minimum number of human ratings. No ranking is produced.
type InsufficientHumanError struct {
	Candidates []string
	Required   int
}

func (e *InsufficientHumanError) Error() string {
	return fmt.Sprintf("insufficient human samples (need %d) for %v", e.Required, e.Candidates)
}

// IsInsufficientHuman reports whether err is an InsufficientHumanError.
func IsInsufficientHuman(err error) bool {
	var x *InsufficientHumanError
	return errors.As(err, &x)
}

// Evaluator runs evaluations. It is safe for concurrent use.
type Evaluator struct {
	set    Settings
	gen    Generator
	emb    Embedder
	judges []Judge
	human  HumanSource
	sink   SampleSink
	log    zerolog.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

func WithEmbedder(e Embedder) Option       { return func(v *Evaluator) { v.emb = e } }
func WithHumanSource(h HumanSource) Option { return func(v *Evaluator) { v.human = h } }
func WithSampleSink(s SampleSink) Option   { return func(v *Evaluator) { v.sink = s } }
func WithLogger(l zerolog.Logger) Option   { return func(v *Evaluator) { v.log = l } }

// New builds an Evaluator. Without an Embedder, similarity falls back to
// word overlap.
func New(set Settings, gen Generator, judges []Judge, opts ...Option) (*Evaluator, error) {
	if math.Abs(set.AIWeight+set.HumanWeight-1) > 1e-6 {
		return nil, fmt.Errorf("judge weights must sum to 1.0, got %v", set.AIWeight+set.HumanWeight)
	}
	if len(judges) == 0 {
		return nil, errors.New("evaluator needs at least one judge")
	}
	if gen == nil {
		return nil, errors.New("evaluator needs a generator")
	}
	v := &Evaluator{set: set, gen: gen, judges: judges, log: zerolog.Nop()}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

// Evaluate scores every candidate against baseline on a fixed prompt subset
// and returns them ranked. Ranking is by combined score, then confidence,
// then smaller size.
func (v *Evaluator) Evaluate(ctx context.Context, baseline string, candidates []Candidate, prompts []Prompt) ([]Result, error) {
	if len(candidates) == 0 {
		return nil, errors.New("no candidates")
	}
	subset := v.subset(prompts, v.set.PromptSampleSize)
	if len(subset) == 0 {
		return nil, errors.New("empty prompt set")
	}
	base, err := v.respond(ctx, baseline, subset)
	if err != nil {
		return nil, fmt.Errorf("baseline responses: %w", err)
	}

	results := make([]Result, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(2)
	for i, c := range candidates {
		g.Go(func() error {
			r, err := v.scoreCandidate(gctx, c, subset, base)
			if err != nil {
				return fmt.Errorf("candidate %s: %w", c.ID, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var short []string
	for i := range results {
		if results[i].Degraded {
			short = append(short, results[i].CandidateID)
		}
	}
	if len(short) > 0 && v.set.Policy == config.PolicyRefuse {
		return results, &InsufficientHumanError{Candidates: short, Required: v.set.MinimumHumanSamples}
	}
	Rank(results)
	return results, nil
}

func (v *Evaluator) subset(prompts []Prompt, n int) []Prompt {
	if n <= 0 || n > len(prompts) {
		n = len(prompts)
	}
	return prompts[:n]
}

func (v *Evaluator) respond(ctx context.Context, model string, prompts []Prompt) ([]string, error) {
	out := make([]string, len(prompts))
	for i, p := range prompts {
		r, err := v.gen.Generate(ctx, model, p.Text)
		if err != nil {
			return nil, fmt.Errorf("prompt %s: %w", p.ID, err)
		}
		out[i] = r
	}
	return out, nil
}

func (v *Evaluator) scoreCandidate(ctx context.Context, c Candidate, prompts []Prompt, base []string) (Result, error) {
	resp, err := v.respond(ctx, c.Path, prompts)
	if err != nil {
		return Result{}, err
	}
	samples, err := v.buildSamples(ctx, prompts, base, resp)
	if err != nil {
		return Result{}, err
	}
	if v.sink != nil {
		n := min(max(v.set.MinimumHumanSamples, 1), len(samples))
		stored := make([]store.Sample, 0, n)
		for _, s := range samples[:n] {
			stored = append(stored, store.Sample{CandidateID: c.ID, PromptID: s.PromptID, Prompt: s.Prompt, Response: s.Response})
		}
		if err := v.sink.SaveSamples(ctx, stored); err != nil {
			v.log.Warn().Err(err).Str("candidate", c.ID).Msg("could not store review samples")
		}
	}

	ai, breakdown, err := v.aiTrack(ctx, samples)
	if err != nil {
		return Result{}, err
	}
	res := Result{CandidateID: c.ID, Path: c.Path, SizeGB: c.SizeGB, AIScore: ai, Criteria: breakdown}

	var ratings []store.Rating
	if v.human != nil {
		if ratings, err = v.human.Ratings(ctx, c.ID); err != nil {
			return Result{}, fmt.Errorf("human ratings: %w", err)
		}
	}
	res.HumanSamples = len(ratings)
	if len(ratings) < v.set.MinimumHumanSamples || len(ratings) == 0 {
		// AI-only: combined equals ai_score and confidence is undefined, so
		// the result is never auto-selected.
		res.Degraded = true
		res.CombinedScore = ai
		res.RequiresReview = true
		v.log.Info().Str("candidate", c.ID).Int("ratings", len(ratings)).Int("required", v.set.MinimumHumanSamples).
			Msg("insufficient human ratings, scoring AI-only")
		return res, nil
	}
	human, perCriterion := HumanScore(ratings, v.set.HumanCriteria)
	res.HumanScore = human
	res.Criteria.Human = perCriterion
	res.CombinedScore = Combine(ai, human, v.set.AIWeight, v.set.HumanWeight)
	res.Confidence = Confidence(ai, human)
	res.RequiresReview = res.Confidence < v.set.ConsensusThreshold
	return res, nil
}

func (v *Evaluator) buildSamples(ctx context.Context, prompts []Prompt, base, resp []string) ([]Sample, error) {
	out := make([]Sample, len(prompts))
	var vecs [][]float64
	if v.emb != nil {
		texts := append(append([]string{}, base...), resp...)
		var err error
		if vecs, err = v.emb.Embed(ctx, texts); err != nil {
			return nil, fmt.Errorf("embed: %w", err)
		}
		if len(vecs) != len(texts) {
			return nil, fmt.Errorf("embed: got %d vectors for %d texts", len(vecs), len(texts))
		}
	}
	for i, p := range prompts {
		sim := lexicalSimilarity(base[i], resp[i])
		if vecs != nil {
			sim = Cosine(vecs[i], vecs[len(prompts)+i])
		}
		out[i] = Sample{PromptID: p.ID, Prompt: p.Text, Baseline: base[i], Response: resp[i], Similarity: sim}
	}
	return out, nil
}

// aiTrack runs every judge over every sample. A judge's score is the mean
// over samples and dimensions; judges are then combined per ensemble mode.
func (v *Evaluator) aiTrack(ctx context.Context, samples []Sample) (float64, Breakdown, error) {
	bd := Breakdown{AI: map[string]float64{}, Judges: map[string]float64{}}
	dimCount := map[string]int{}
	var weighted, wsum, simple float64
	for _, j := range v.judges {
		var total float64
		var n int
		for _, s := range samples {
			scores, err := j.Score(ctx, s)
			if err != nil {
				return 0, Breakdown{}, err
			}
			for d, sc := range scores {
				sc = clamp01(sc)
				total += sc
				n++
				bd.AI[d] += sc
				dimCount[d]++
			}
		}
		js := 0.0
		if n > 0 {
			js = total / float64(n)
		}
		bd.Judges[j.Name()] = js
		simple += js
		weighted += j.Weight() * js
		wsum += j.Weight()
	}
	for d, sum := range bd.AI {
		bd.AI[d] = sum / float64(dimCount[d])
	}
	var ai float64
	if v.set.EnsembleMode == "weighted" && wsum > 0 {
		ai = weighted / wsum
	} else {
		ai = simple / float64(len(v.judges))
	}
	return clamp01(ai), bd, nil
}

// Preservation returns the candidate's AI-track score relative to the
// baseline judged against itself, over the first n prompts.
func (v *Evaluator) Preservation(ctx context.Context, baseline, candidate string, prompts []Prompt, n int) (float64, error) {
	subset := v.subset(prompts, n)
	if len(subset) == 0 {
		return 0, errors.New("empty prompt set")
	}
	base, err := v.respond(ctx, baseline, subset)
	if err != nil {
		return 0, err
	}
	resp, err := v.respond(ctx, candidate, subset)
	if err != nil {
		return 0, err
	}
	self, err := v.buildSamples(ctx, subset, base, base)
	if err != nil {
		return 0, err
	}
	cand, err := v.buildSamples(ctx, subset, base, resp)
	if err != nil {
		return 0, err
	}
	ref, _, err := v.aiTrack(ctx, self)
	if err != nil {
		return 0, err
	}
	got, _, err := v.aiTrack(ctx, cand)
	if err != nil {
		return 0, err
	}
	if ref == 0 {
		return 0, nil
	}
	return clamp01(got / ref), nil
}

// Combine is the convex blend of the two tracks.
func Combine(ai, human, aiWeight, humanWeight float64) float64 {
	return aiWeight*ai + humanWeight*human
}

// Confidence is the agreement of the two tracks.
func Confidence(ai, human float64) float64 {
	return clamp01(1 - math.Abs(ai-human))
}

// HumanScore averages the criteria-weighted score of each rating. Criteria
// missing from a rating are dropped and the remaining weights renormalized.
func HumanScore(ratings []store.Rating, criteria map[string]float64) (float64, map[string]float64) {
	per := map[string]float64{}
	perN := map[string]int{}
	var total float64
	var n int
	for _, r := range ratings {
		var s, w float64
		for name, weight := range criteria {
			v, ok := r.Scores[name]
			if !ok {
				continue
			}
			s += weight * v
			w += weight
			per[name] += v
			perN[name]++
		}
		if w == 0 {
			continue
		}
		total += s / w
		n++
	}
	for name := range per {
		per[name] /= float64(perN[name])
	}
	if n == 0 {
		return 0, per
	}
	return clamp01(total / float64(n)), per
}

// Rank sorts results in place and assigns 1-based ranks.
func Rank(results []Result) {
	const eps = 1e-9
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if d := a.CombinedScore - b.CombinedScore; math.Abs(d) > eps {
			return d > 0
		}
		if d := a.Confidence - b.Confidence; math.Abs(d) > eps {
			return d > 0
		}
		return a.SizeGB < b.SizeGB
	})
	for i := range results {
		results[i].Rank = i + 1
	}
}

// Select returns the best-ranked result that does not need manual review.
func Select(results []Result) (Result, bool) {
	for _, r := range results {
		if !r.RequiresReview {
			return r, true
		}
	}
	return Result{}, false
}
