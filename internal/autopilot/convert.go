package autopilot

import (
	"time"

	"quantpilot/internal/deploy"
	"quantpilot/internal/evaluate"
	"quantpilot/internal/monitor"
	"quantpilot/internal/safety"
	"quantpilot/internal/store"
	"quantpilot/pkg/types"
)

func toWireJob(j store.Job) types.Job {
	return types.Job{
		JobID:              j.JobID,
		BaseModel:          j.BaseModel,
		QuantizationMethod: j.QuantizationMethod,
		Priority:           j.Priority,
		Status:             string(j.Status),
		Trigger:            string(j.Trigger),
		TargetSizeGB:       j.TargetSizeGB,
		CreatedAt:          j.CreatedAt,
		StartedAt:          j.StartedAt,
		CompletedAt:        j.CompletedAt,
		RunID:              j.RunID,
		LastError:          j.LastError,
		ArtifactPath:       j.ArtifactPath,
		Promoted:           j.Promoted,
	}
}

func toWireJobs(in []store.Job) []types.Job {
	out := make([]types.Job, 0, len(in))
	for _, j := range in {
		out = append(out, toWireJob(j))
	}
	return out
}

func toWireRun(r store.Run) types.Run {
	return types.Run{
		RunID:                r.RunID,
		JobID:                r.JobID,
		Trigger:              string(r.Trigger),
		Timestamp:            r.Timestamp,
		ModelPath:            r.ModelPath,
		BaseModel:            r.BaseModel,
		QuantizationMethod:   r.QuantizationMethod,
		TargetSizeGB:         r.TargetSizeGB,
		ResultSummary:        r.ResultSummary,
		JudgmentScore:        r.JudgmentScore,
		Success:              r.Success,
		ErrorMessage:         r.ErrorMessage,
		ExecutionTimeMinutes: r.ExecutionTimeMinutes,
	}
}

func toWireIdle(s monitor.IdleState) types.IdleState {
	return types.IdleState{
		State:          string(s.State),
		Since:          s.Since,
		IdleForSeconds: s.IdleFor.Seconds(),
		CPUPercent:     s.Metrics.CPUPercent,
		MemPercent:     s.Metrics.MemPercent,
		DiskFreeGB:     s.Metrics.DiskFreeGB,
		InputDetection: s.InputDetection,
	}
}

func toWireDecision(d safety.Decision, at time.Time) types.SafetyDecision {
	return types.SafetyDecision{Allow: d.Allow, Check: string(d.Check), Reason: d.Reason, At: at}
}

func toWireBackup(b deploy.Backup) types.Backup {
	return types.Backup{ID: b.ID, CreatedAt: b.CreatedAt, ModelFile: b.ModelFile, SHA256: b.SHA256, Empty: b.Empty}
}

func toWireActive(m deploy.Manifest) *types.ActiveModel {
	return &types.ActiveModel{
		ModelFile:  m.ModelFile,
		SHA256:     m.SHA256,
		SizeGB:     m.SizeGB,
		DeployedAt: m.DeployedAt,
		BackupID:   m.BackupID,
		Source:     m.Source,
	}
}

func toWireDeploy(r deploy.Result) types.DeployResponse {
	return types.DeployResponse{OK: r.OK, BackupID: r.BackupID, Reasons: r.Reasons, Restored: r.Restored}
}

func toWireResult(r evaluate.Result) types.EvaluationResult {
	return types.EvaluationResult{
		CandidateID:    r.CandidateID,
		Path:           r.Path,
		SizeGB:         r.SizeGB,
		AIScore:        r.AIScore,
		HumanScore:     r.HumanScore,
		CombinedScore:  r.CombinedScore,
		Confidence:     r.Confidence,
		AICriteria:     r.Criteria.AI,
		HumanCriteria:  r.Criteria.Human,
		JudgeScores:    r.Criteria.Judges,
		HumanSamples:   r.HumanSamples,
		Degraded:       r.Degraded,
		RequiresReview: r.RequiresReview,
		Rank:           r.Rank,
	}
}
