package evaluate

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"quantpilot/internal/config"
	"quantpilot/internal/store"
)

// echoGen answers with "<model> says <prompt>"; a model named "bad" fails.
type echoGen struct {
	mu    sync.Mutex
	calls int
}

func (g *echoGen) Generate(_ context.Context, model, prompt string) (string, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if model == "bad" {
		return "", errors.New("model failed to load")
	}
	if model == "baseline" {
		return "the answer to " + prompt, nil
	}
	return model + " " + prompt, nil
}

// fixedJudge returns the same score for every dimension.
type fixedJudge struct {
	name   string
	score  float64
	weight float64
}

func (f fixedJudge) Name() string    { return f.name }
func (f fixedJudge) Weight() float64 { return f.weight }
func (f fixedJudge) Score(context.Context, Sample) (map[string]float64, error) {
	return map[string]float64{"coherence": f.score, "empathy": f.score}, nil
}

type ratingsByCandidate map[string][]store.Rating

func (r ratingsByCandidate) Ratings(_ context.Context, id string) ([]store.Rating, error) {
	return r[id], nil
}

type memSink struct {
	mu      sync.Mutex
	samples []store.Sample
}

func (m *memSink) SaveSamples(_ context.Context, s []store.Sample) error {
	m.mu.Lock()
	m.samples = append(m.samples, s...)
	m.mu.Unlock()
	return nil
}

var criteria = map[string]float64{"believability": 0.3, "connection": 0.3, "expressive_strength": 0.2, "appropriateness": 0.2}

func uniformRatings(n int, v float64) []store.Rating {
	out := make([]store.Rating, n)
	for i := range out {
		out[i] = store.Rating{Rater: "r", Scores: map[string]float64{
			"believability": v, "connection": v, "expressive_strength": v, "appropriateness": v,
		}}
	}
	return out
}

func baseSettings() Settings {
	return Settings{
		AIWeight: 0.4, HumanWeight: 0.6, ConsensusThreshold: 0.7, MinimumHumanSamples: 3,
		Policy: config.PolicyDegrade, PromptSampleSize: 2, EnsembleMode: "weighted", HumanCriteria: criteria,
	}
}

var prompts = PromptSet([]string{"how are you", "tell me a story", "unused prompt"})

func TestCombinationScenario(t *testing.T) {
	ev, err := New(baseSettings(), &echoGen{}, []Judge{fixedJudge{name: "j", score: 0.9, weight: 1}},
		WithHumanSource(ratingsByCandidate{"c1": uniformRatings(3, 0.5)}))
	require.NoError(t, err)

	res, err := ev.Evaluate(context.Background(), "baseline", []Candidate{{ID: "c1", Path: "cand", SizeGB: 4}}, prompts)
	require.NoError(t, err)
	require.Len(t, res, 1)
	r := res[0]
	require.InDelta(t, 0.9, r.AIScore, 1e-9)
	require.InDelta(t, 0.5, r.HumanScore, 1e-9)
	require.InDelta(t, 0.66, r.CombinedScore, 1e-9)
	require.InDelta(t, 0.6, r.Confidence, 1e-9)
	require.True(t, r.RequiresReview)
	require.False(t, r.Degraded)
	require.Equal(t, 1, r.Rank)
	require.InDelta(t, 0.5, r.Criteria.Human["connection"], 1e-9)

	_, ok := Select(res)
	require.False(t, ok, "a result needing review must not be auto-selected")
}

func TestCombineIsConvex(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for range 1000 {
		ai, human, w := rng.Float64(), rng.Float64(), rng.Float64()
		c := Combine(ai, human, w, 1-w)
		require.GreaterOrEqual(t, c, min(ai, human)-1e-12)
		require.LessOrEqual(t, c, max(ai, human)+1e-12)
	}
}

func TestNewRejectsBadWeights(t *testing.T) {
	s := baseSettings()
	s.HumanWeight = 0.5
	_, err := New(s, &echoGen{}, []Judge{fixedJudge{name: "j", weight: 1}})
	require.ErrorContains(t, err, "sum to 1.0")
}

func TestInsufficientHumanDegrades(t *testing.T) {
	ev, err := New(baseSettings(), &echoGen{}, []Judge{fixedJudge{name: "j", score: 0.8, weight: 1}},
		WithHumanSource(ratingsByCandidate{"c1": uniformRatings(2, 0.1)}))
	require.NoError(t, err)
	res, err := ev.Evaluate(context.Background(), "baseline", []Candidate{{ID: "c1", Path: "cand"}}, prompts)
	require.NoError(t, err)
	require.True(t, res[0].Degraded)
	require.InDelta(t, 0.8, res[0].CombinedScore, 1e-9)
	require.Equal(t, 2, res[0].HumanSamples)
	require.True(t, res[0].RequiresReview)
	_, ok := Select(res)
	require.False(t, ok, "AI-only result must not be auto-selected")
}

func TestInsufficientHumanRefuses(t *testing.T) {
	s := baseSettings()
	s.Policy = config.PolicyRefuse
	ev, err := New(s, &echoGen{}, []Judge{fixedJudge{name: "j", score: 0.8, weight: 1}},
		WithHumanSource(ratingsByCandidate{"c1": uniformRatings(3, 0.7)}))
	require.NoError(t, err)
	res, err := ev.Evaluate(context.Background(), "baseline",
		[]Candidate{{ID: "c1", Path: "a"}, {ID: "c2", Path: "b"}}, prompts)
	require.True(t, IsInsufficientHuman(err))
	var ie *InsufficientHumanError
	require.ErrorAs(t, err, &ie)
	require.Equal(t, []string{"c2"}, ie.Candidates)
	for _, r := range res {
		require.Zero(t, r.Rank, "no ranking under refuse policy")
	}
}

func TestRankingTieBreaks(t *testing.T) {
	results := []Result{
		{CandidateID: "low", CombinedScore: 0.5, Confidence: 0.9, SizeGB: 1},
		{CandidateID: "big", CombinedScore: 0.8, Confidence: 0.9, SizeGB: 6},
		{CandidateID: "small", CombinedScore: 0.8, Confidence: 0.9, SizeGB: 3},
		{CandidateID: "confident", CombinedScore: 0.8, Confidence: 0.95, SizeGB: 9},
	}
	Rank(results)
	var order []string
	for _, r := range results {
		order = append(order, r.CandidateID)
	}
	require.Equal(t, []string{"confident", "small", "big", "low"}, order)
	require.Equal(t, 4, results[3].Rank)
}

func TestEnsembleModes(t *testing.T) {
	judges := []Judge{fixedJudge{name: "strict", score: 0.2, weight: 1}, fixedJudge{name: "generous", score: 0.8, weight: 3}}
	s := baseSettings()
	s.MinimumHumanSamples = 0

	s.EnsembleMode = "simple"
	ev, err := New(s, &echoGen{}, judges)
	require.NoError(t, err)
	res, err := ev.Evaluate(context.Background(), "baseline", []Candidate{{ID: "c", Path: "c"}}, prompts)
	require.NoError(t, err)
	require.InDelta(t, 0.5, res[0].AIScore, 1e-9)
	require.InDelta(t, 0.2, res[0].Criteria.Judges["strict"], 1e-9)

	s.EnsembleMode = "weighted"
	ev, err = New(s, &echoGen{}, judges)
	require.NoError(t, err)
	res, err = ev.Evaluate(context.Background(), "baseline", []Candidate{{ID: "c", Path: "c"}}, prompts)
	require.NoError(t, err)
	require.InDelta(t, 0.65, res[0].AIScore, 1e-9)
}

func TestSamplesStoredForReview(t *testing.T) {
	sink := &memSink{}
	gen := &echoGen{}
	ev, err := New(baseSettings(), gen, []Judge{fixedJudge{name: "j", score: 0.5, weight: 1}}, WithSampleSink(sink))
	require.NoError(t, err)
	_, err = ev.Evaluate(context.Background(), "baseline", []Candidate{{ID: "run-1", Path: "cand"}}, prompts)
	require.NoError(t, err)
	// bounded by the prompt subset (2), not minimum_human_samples (3)
	require.Len(t, sink.samples, 2)
	require.Equal(t, "run-1", sink.samples[0].CandidateID)
	require.Equal(t, "p01", sink.samples[0].PromptID)
	require.True(t, strings.HasPrefix(sink.samples[0].Response, "cand "))
	// 2 baseline + 2 candidate generations; the third prompt is never used
	require.Equal(t, 4, gen.calls)
}

func TestGenerationErrorPropagates(t *testing.T) {
	ev, err := New(baseSettings(), &echoGen{}, []Judge{fixedJudge{name: "j", weight: 1}})
	require.NoError(t, err)
	_, err = ev.Evaluate(context.Background(), "baseline", []Candidate{{ID: "x", Path: "bad"}}, prompts)
	require.ErrorContains(t, err, "model failed to load")
}

func TestPersonaJudgeBias(t *testing.T) {
	dims := []string{"coherence", "empathy"}
	s := Sample{Baseline: "one two three", Response: "one two three", Similarity: 0.7}
	strict, _ := NewPersonaJudge("strict", -0.1, 1, dims).Score(context.Background(), s)
	generous, _ := NewPersonaJudge("generous", 0.1, 1, dims).Score(context.Background(), s)
	for _, d := range dims {
		require.Less(t, strict[d], generous[d])
	}
	empty, _ := NewPersonaJudge("p", 0.5, 1, dims).Score(context.Background(), Sample{Baseline: "x"})
	require.Zero(t, empty["coherence"])
}

type scriptedCompleter string

func (s scriptedCompleter) Generate(context.Context, string, string) (string, error) { return string(s), nil }

func TestModelJudgeParsesGrades(t *testing.T) {
	j := NewModelJudge("m", "judge", 0, 1, []string{"coherence", "expressive_strength"},
		scriptedCompleter("Coherence: 8\nExpressive strength = 6.5\nnoise"))
	sc, err := j.Score(context.Background(), Sample{})
	require.NoError(t, err)
	require.InDelta(t, 0.8, sc["coherence"], 1e-9)
	require.InDelta(t, 0.65, sc["expressive_strength"], 1e-9)

	_, err = NewModelJudge("m", "judge", 0, 1, []string{"empathy"}, scriptedCompleter("coherence: 3")).Score(context.Background(), Sample{})
	require.Error(t, err)
}

func TestJudgesFromConfig(t *testing.T) {
	cfg := config.EvaluationConfig{Dimensions: []string{"coherence"}, Judges: []config.JudgeConfig{
		{Name: "a", Bias: -0.1}, {Name: "b", Kind: "model", Model: "judge-model", Weight: 2},
	}}
	js, err := JudgesFromConfig(cfg, scriptedCompleter(""))
	require.NoError(t, err)
	require.Len(t, js, 2)
	require.Equal(t, 1.0, js[0].Weight())

	cfg.Judges = []config.JudgeConfig{{Name: "x", Kind: "oracle"}}
	_, err = JudgesFromConfig(cfg, nil)
	require.Error(t, err)
}

func TestPreservation(t *testing.T) {
	ev, err := New(baseSettings(), &echoGen{}, []Judge{NewPersonaJudge("p", 0, 1, []string{"coherence"})})
	require.NoError(t, err)
	self, err := ev.Preservation(context.Background(), "baseline", "baseline", prompts, 2)
	require.NoError(t, err)
	require.InDelta(t, 1.0, self, 1e-9)
	other, err := ev.Preservation(context.Background(), "baseline", "drifted", prompts, 2)
	require.NoError(t, err)
	require.Less(t, other, 1.0)
}

func TestCosine(t *testing.T) {
	require.InDelta(t, 1.0, Cosine([]float64{1, 2}, []float64{2, 4}), 1e-12)
	require.Zero(t, Cosine([]float64{1, 0}, []float64{-1, 0}))
	require.Zero(t, Cosine([]float64{1}, []float64{1, 2}))
	require.Zero(t, Cosine([]float64{0, 0}, []float64{1, 1}))
}
