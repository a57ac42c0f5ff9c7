package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SaveSamples stores the prompt/response pairs shown to raters. Re-saving a
// (candidate, prompt) pair keeps the first version.
func (s *Store) SaveSamples(ctx context.Context, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	now := s.now().UnixNano()
	for _, sm := range samples {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO samples (candidate_id, prompt_id, prompt, response, created_at) VALUES (?, ?, ?, ?, ?)`,
			sm.CandidateID, sm.PromptID, sm.Prompt, sm.Response, now)
		if err != nil {
			return fmt.Errorf("insert sample: %w", err)
		}
	}
	return tx.Commit()
}

// Samples returns the stored samples for a candidate in prompt order.
func (s *Store) Samples(ctx context.Context, candidateID string) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT candidate_id, prompt_id, prompt, response, created_at FROM samples WHERE candidate_id = ? ORDER BY prompt_id`,
		candidateID)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()
	var out []Sample
	for rows.Next() {
		var (
			sm Sample
			ts int64
		)
		if err := rows.Scan(&sm.CandidateID, &sm.PromptID, &sm.Prompt, &sm.Response, &ts); err != nil {
			return nil, err
		}
		sm.CreatedAt = time.Unix(0, ts).UTC()
		out = append(out, sm)
	}
	return out, rows.Err()
}

// AddRating records one rater's criteria scores. Scores must be in [0,1].
func (s *Store) AddRating(ctx context.Context, r Rating) (int64, error) {
	if strings.TrimSpace(r.CandidateID) == "" || strings.TrimSpace(r.Rater) == "" {
		return 0, fmt.Errorf("rating: candidate_id and rater are required")
	}
	if len(r.Scores) == 0 {
		return 0, fmt.Errorf("rating: no scores")
	}
	for k, v := range r.Scores {
		if v < 0 || v > 1 {
			return 0, fmt.Errorf("rating: score %s=%v outside [0,1]", k, v)
		}
	}
	b, err := json.Marshal(r.Scores)
	if err != nil {
		return 0, fmt.Errorf("marshal scores: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ratings (candidate_id, prompt_id, rater, scores_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.CandidateID, r.PromptID, r.Rater, string(b), s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("insert rating: %w", err)
	}
	return res.LastInsertId()
}

// Ratings returns every rating recorded for a candidate, oldest first.
func (s *Store) Ratings(ctx context.Context, candidateID string) ([]Rating, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, candidate_id, prompt_id, rater, scores_json, created_at FROM ratings WHERE candidate_id = ? ORDER BY id`,
		candidateID)
	if err != nil {
		return nil, fmt.Errorf("query ratings: %w", err)
	}
	defer rows.Close()
	var out []Rating
	for rows.Next() {
		var (
			r      Rating
			scores string
			ts     int64
		)
		if err := rows.Scan(&r.ID, &r.CandidateID, &r.PromptID, &r.Rater, &scores, &ts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(scores), &r.Scores); err != nil {
			return nil, fmt.Errorf("decode scores for rating %d: %w", r.ID, err)
		}
		r.CreatedAt = time.Unix(0, ts).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
