package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/oriys/cdrguard/internal/domain"
)

const (
	jobKeyPrefix    = "job:"
	jobPhaseSuffix  = ":phase"
	recentJobsKey   = "jobs:list"
	retentionTTL    = 7 * 24 * time.Hour
	recentJobsLimit = 10000 // hard cap on the recent-jobs list length
)

func jobKey(jobID string) string { return jobKeyPrefix + jobID }

func phaseKey(jobID string, phase domain.Phase) string {
	return fmt.Sprintf("%s%s%s%d", jobKeyPrefix, jobID, jobPhaseSuffix, phase)
}

// RedisStore is the primary job metadata and result store, grounded on the
// original job tracker's key layout: a per-job hash for scalar metadata, a
// per-phase append-only list for unit results, and an ordered recent-jobs
// list. Every job key (and its phase lists) carries a fixed retention TTL.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// toJobFields flattens a Job into the hash representation stored under
// jobKey(id). Scalar fields are plain strings so counters can be bumped
// atomically with HINCRBY; structured fields (file paths, enabled phases,
// phase summaries) are stored JSON-encoded within their own hash field.
func toJobFields(j *domain.Job) (map[string]interface{}, error) {
	filePaths, err := json.Marshal(j.FilePaths)
	if err != nil {
		return nil, err
	}
	phases, err := j.EnabledPhases.MarshalJSON()
	if err != nil {
		return nil, err
	}
	summaries, err := json.Marshal(j.PhaseSummaries)
	if err != nil {
		return nil, err
	}

	m := map[string]interface{}{
		"job_id":          j.JobID,
		"container_name":  j.ContainerName,
		"file_paths":      string(filePaths),
		"enabled_phases":  string(phases),
		"priority":        string(j.Priority),
		"status":          string(j.Status),
		"total_units":     j.TotalUnits,
		"processed":       j.Processed,
		"failed":          j.Failed,
		"current_phase":   int(j.CurrentPhase),
		"created_at":      j.CreatedAt.Format(time.RFC3339Nano),
		"phase_summaries": string(summaries),
		"error_message":   j.ErrorMessage,
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	if j.CompletedAt != nil {
		m["completed_at"] = j.CompletedAt.Format(time.RFC3339Nano)
	}
	if j.CancelledAt != nil {
		m["cancelled_at"] = j.CancelledAt.Format(time.RFC3339Nano)
	}
	return m, nil
}

func parseOptionalTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

func fromJobHash(h map[string]string) (*domain.Job, error) {
	if len(h) == 0 {
		return nil, ErrJobNotFound
	}

	var filePaths []string
	if v := h["file_paths"]; v != "" {
		if err := json.Unmarshal([]byte(v), &filePaths); err != nil {
			return nil, fmt.Errorf("decode file_paths: %w", err)
		}
	}

	var phases domain.PhaseSet
	if v := h["enabled_phases"]; v != "" {
		if err := phases.UnmarshalJSON([]byte(v)); err != nil {
			return nil, fmt.Errorf("decode enabled_phases: %w", err)
		}
	}

	var summaries map[domain.Phase]domain.PhaseSummary
	if v := h["phase_summaries"]; v != "" {
		if err := json.Unmarshal([]byte(v), &summaries); err != nil {
			return nil, fmt.Errorf("decode phase_summaries: %w", err)
		}
	}

	totalUnits, _ := strconv.Atoi(h["total_units"])
	processed, _ := strconv.Atoi(h["processed"])
	failed, _ := strconv.Atoi(h["failed"])
	currentPhase, _ := strconv.Atoi(h["current_phase"])
	createdAt, _ := time.Parse(time.RFC3339Nano, h["created_at"])

	return &domain.Job{
		JobID:          h["job_id"],
		ContainerName:  h["container_name"],
		FilePaths:      filePaths,
		EnabledPhases:  phases,
		Priority:       domain.Priority(h["priority"]),
		Status:         domain.JobStatus(h["status"]),
		TotalUnits:     totalUnits,
		Processed:      processed,
		Failed:         failed,
		CurrentPhase:   domain.Phase(currentPhase),
		CreatedAt:      createdAt,
		StartedAt:      parseOptionalTime(h["started_at"]),
		CompletedAt:    parseOptionalTime(h["completed_at"]),
		CancelledAt:    parseOptionalTime(h["cancelled_at"]),
		PhaseSummaries: summaries,
		ErrorMessage:   h["error_message"],
	}, nil
}

func (s *RedisStore) CreateJob(ctx context.Context, job *domain.Job) error {
	fields, err := toJobFields(job)
	if err != nil {
		return err
	}

	key := jobKey(job.JobID)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, retentionTTL)
	pipe.LPush(ctx, recentJobsKey, job.JobID)
	pipe.LTrim(ctx, recentJobsKey, 0, recentJobsLimit-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	h, err := s.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	return fromJobHash(h)
}

func (s *RedisStore) UpdateJob(ctx context.Context, jobID string, update JobUpdate) (*domain.Job, error) {
	key := jobKey(jobID)

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, ErrJobTerminal
	}

	fields := map[string]interface{}{}
	now := time.Now()

	if update.Status != nil {
		job.Status = *update.Status
		fields["status"] = string(job.Status)
	}
	if update.CurrentPhase != nil {
		job.AdvancePhase(*update.CurrentPhase)
		fields["current_phase"] = int(job.CurrentPhase)
	}
	if update.TotalUnits != nil {
		job.TotalUnits = *update.TotalUnits
		fields["total_units"] = job.TotalUnits
	}
	if update.PhaseSummary != nil {
		if job.PhaseSummaries == nil {
			job.PhaseSummaries = map[domain.Phase]domain.PhaseSummary{}
		}
		job.PhaseSummaries[update.PhaseSummary.Phase] = *update.PhaseSummary
		data, err := json.Marshal(job.PhaseSummaries)
		if err != nil {
			return nil, err
		}
		fields["phase_summaries"] = string(data)
	}
	if update.ErrorMessage != nil {
		job.ErrorMessage = *update.ErrorMessage
		fields["error_message"] = job.ErrorMessage
	}
	if update.StartedAt != nil && *update.StartedAt && job.StartedAt == nil {
		job.StartedAt = &now
		fields["started_at"] = now.Format(time.RFC3339Nano)
	}
	if update.CompletedNow {
		job.CompletedAt = &now
		fields["completed_at"] = now.Format(time.RFC3339Nano)
	}
	if update.CancelledNow {
		job.CancelledAt = &now
		fields["cancelled_at"] = now.Format(time.RFC3339Nano)
	}

	if len(fields) == 0 {
		return job, nil
	}

	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *RedisStore) IncrementProcessed(ctx context.Context, jobID string) error {
	return s.client.HIncrBy(ctx, jobKey(jobID), "processed", 1).Err()
}

func (s *RedisStore) IncrementFailed(ctx context.Context, jobID string) error {
	key := jobKey(jobID)
	pipe := s.client.Pipeline()
	pipe.HIncrBy(ctx, key, "failed", 1)
	pipe.HIncrBy(ctx, key, "processed", 1)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) AppendPhaseResult(ctx context.Context, jobID string, phase domain.Phase, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	key := phaseKey(jobID, phase)
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, retentionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListPhaseResults(ctx context.Context, jobID string, phase domain.Phase, out any) error {
	raw, err := s.client.LRange(ctx, phaseKey(jobID, phase), 0, -1).Result()
	if err != nil {
		return err
	}

	combined := make([]json.RawMessage, 0, len(raw))
	for _, r := range raw {
		combined = append(combined, json.RawMessage(r))
	}
	joined, err := json.Marshal(combined)
	if err != nil {
		return err
	}
	return json.Unmarshal(joined, out)
}

func (s *RedisStore) ListRecentJobs(ctx context.Context, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.LRange(ctx, recentJobsKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]*domain.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			continue // expired or deleted; the recent-jobs list is best-effort
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *RedisStore) CancelJob(ctx context.Context, jobID string) (bool, error) {
	job, err := s.GetJob(ctx, jobID)
	if err == ErrJobNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if job.Status.IsTerminal() {
		return false, nil
	}

	now := time.Now()
	err = s.client.HSet(ctx, jobKey(jobID), map[string]interface{}{
		"status":       string(domain.JobCancelled),
		"cancelled_at": now.Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStore) DeleteJob(ctx context.Context, jobID string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, jobKey(jobID))
	pipe.Del(ctx, phaseKey(jobID, domain.Phase1CDR))
	pipe.Del(ctx, phaseKey(jobID, domain.Phase2AV))
	pipe.Del(ctx, phaseKey(jobID, domain.Phase3EDR))
	pipe.LRem(ctx, recentJobsKey, 0, jobID)
	_, err := pipe.Exec(ctx)
	return err
}
