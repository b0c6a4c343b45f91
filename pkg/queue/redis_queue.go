package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"sparkgrid/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Job is one transcription work item flowing through the redis stream.
type Job struct {
	ID              string    `json:"id"`
	TranscriptionID string    `json:"transcriptionId"`
	UserID          string    `json:"userId"`
	Status          string    `json:"status"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
	Attempts        int       `json:"attempts"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// TranscriptionQueue is a redis-streams work queue with a consumer
// group, idle-claim recovery and bounded retries.
type TranscriptionQueue struct {
	client     *redis.Client
	stream     string
	group      string
	consumer   string
	jobTTL     time.Duration
	maxRetries int
	block      time.Duration
	claimIdle  time.Duration
	once       sync.Once
}

// Config tunes the queue; zero values get sensible defaults.
type Config struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
}

// New builds a queue around a redis stream.
func New(cfg Config) (*TranscriptionQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "sparkgrid:transcriptions"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "transcribe"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = 24 * time.Hour
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	return &TranscriptionQueue{
		client:     redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:     stream,
		group:      group,
		consumer:   consumer,
		jobTTL:     jobTTL,
		maxRetries: maxRetries,
		block:      block,
		claimIdle:  claimIdle,
	}, nil
}

// Enqueue adds a transcription job and records its status hash.
func (q *TranscriptionQueue) Enqueue(ctx context.Context, transcriptionID, userID string) (Job, error) {
	transcriptionID = strings.TrimSpace(transcriptionID)
	if transcriptionID == "" {
		return Job{}, errors.New("transcription id required")
	}
	now := time.Now().UTC()
	job := Job{
		ID:              util.NewID(),
		TranscriptionID: transcriptionID,
		UserID:          userID,
		Status:          StatusQueued,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return Job{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]any{
			"job_id":           job.ID,
			"transcription_id": job.TranscriptionID,
			"user_id":          job.UserID,
		},
	}).Err(); err != nil {
		return Job{}, err
	}
	return job, nil
}

// GetJob reads the job status hash.
func (q *TranscriptionQueue) GetJob(ctx context.Context, jobID string) (Job, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return Job{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return Job{}, false, err
	}
	if len(data) == 0 {
		return Job{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// Start launches worker goroutines consuming from the group.
func (q *TranscriptionQueue) Start(ctx context.Context, concurrency int, handler func(context.Context, Job) error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumer, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

func (q *TranscriptionQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			// errors surface on consume
		}
	})
}

func (q *TranscriptionQueue) consumeLoop(ctx context.Context, consumer string, handler func(context.Context, Job) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: consumer,
			MinIdle:  q.claimIdle,
			Start:    "0-0",
			Count:    10,
		}).Result(); err == nil {
			for _, msg := range claimed {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    10,
			Block:    q.block,
		}).Result()
		if err != nil {
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *TranscriptionQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler func(context.Context, Job) error) {
	jobID, _ := msg.Values["job_id"].(string)
	transcriptionID, _ := msg.Values["transcription_id"].(string)
	userID, _ := msg.Values["user_id"].(string)
	if jobID == "" || transcriptionID == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	if job.ID == "" {
		job = Job{ID: jobID, CreatedAt: time.Now().UTC()}
	}
	job.TranscriptionID = transcriptionID
	job.UserID = userID
	job.Attempts++
	job.Status = StatusProcessing
	job.UpdatedAt = time.Now().UTC()
	if err := q.writeStatus(ctx, job); err != nil {
		return
	}

	if err := handler(ctx, job); err == nil {
		job.Status = StatusDone
		job.ErrorMessage = ""
	} else if job.Attempts >= q.maxRetries {
		job.Status = StatusFailed
		job.ErrorMessage = err.Error()
	} else {
		job.Status = StatusQueued
		job.ErrorMessage = err.Error()
		job.UpdatedAt = time.Now().UTC()
		_ = q.writeStatus(ctx, job)
		_ = q.requeueAndAck(ctx, msg.ID, job)
		return
	}
	job.UpdatedAt = time.Now().UTC()
	_ = q.writeStatus(ctx, job)
	q.ackAndDel(ctx, msg.ID)
}

func (q *TranscriptionQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *TranscriptionQueue) requeueAndAck(ctx context.Context, msgID string, job Job) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]any{
			"job_id":           job.ID,
			"transcription_id": job.TranscriptionID,
			"user_id":          job.UserID,
		},
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *TranscriptionQueue) writeStatus(ctx context.Context, job Job) error {
	key := q.jobKey(job.ID)
	payload := map[string]any{
		"transcriptionId": job.TranscriptionID,
		"userId":          job.UserID,
		"status":          job.Status,
		"error":           job.ErrorMessage,
		"attempts":        strconv.Itoa(job.Attempts),
		"createdAt":       job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt":       job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.jobTTL).Err()
	return nil
}

func (q *TranscriptionQueue) jobKey(jobID string) string {
	return fmt.Sprintf("txjob:%s:%s", q.stream, jobID)
}

func decodeJob(jobID string, data map[string]string) Job {
	job := Job{ID: jobID}
	job.TranscriptionID = data["transcriptionId"]
	job.UserID = data["userId"]
	job.Status = data["status"]
	job.ErrorMessage = data["error"]
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.Attempts = n
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, data["createdAt"]); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updatedAt"]); err == nil {
		job.UpdatedAt = t
	}
	return job
}
