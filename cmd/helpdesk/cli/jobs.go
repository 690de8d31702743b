package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/hibiken/asynq"

	"github.com/tecsuporte/helpdesk/jobs"
)

type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type queueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListScheduledTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	Close() error
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    taskEnqueuer
	inspector queueInspector
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) *JobsCLI {
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	return &JobsCLI{client: asynq.NewClient(opts), inspector: asynq.NewInspector(opts)}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// Trigger enqueues a supported job by name.
func (c *JobsCLI) Trigger(ctx context.Context, name string, repair bool) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	var task *asynq.Task
	var err error
	switch name {
	case jobs.TaskGrantIntegrity:
		task, err = jobs.NewGrantIntegrityTask(jobs.GrantIntegrityPayload{Repair: repair})
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(jobs.QueueDefault))
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
	}
	return stats, nil
}

// ListScheduled returns scheduled task infos for observability.
func (c *JobsCLI) ListScheduled(ctx context.Context, size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListScheduledTasks(jobs.QueueDefault, asynq.PageSize(size), asynq.Page(1))
}

// JobsOptions configures one CLI invocation.
type JobsOptions struct {
	Command string
	Name    string
	Repair  bool
	Size    int
	Stdout  io.Writer
	Stderr  io.Writer
}

type scheduledTask struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	At   string `json:"next_process_at"`
}

// Run executes a command and returns the process exit code.
func (c *JobsCLI) Run(ctx context.Context, opts JobsOptions) int {
	enc := json.NewEncoder(opts.Stdout)
	enc.SetIndent("", "  ")
	switch opts.Command {
	case "trigger":
		name := opts.Name
		if name == "" {
			name = jobs.TaskGrantIntegrity
		}
		info, err := c.Trigger(ctx, name, opts.Repair)
		if err != nil {
			fmt.Fprintf(opts.Stderr, "trigger %s: %v\n", name, err)
			return 1
		}
		_ = enc.Encode(map[string]string{"id": info.ID, "queue": info.Queue, "type": info.Type})
	case "stats":
		stats, err := c.InspectQueue(ctx)
		if err != nil {
			fmt.Fprintf(opts.Stderr, "inspect queue: %v\n", err)
			return 1
		}
		_ = enc.Encode(stats)
	case "scheduled":
		infos, err := c.ListScheduled(ctx, opts.Size)
		if err != nil {
			fmt.Fprintf(opts.Stderr, "list scheduled: %v\n", err)
			return 1
		}
		out := make([]scheduledTask, 0, len(infos))
		for _, info := range infos {
			out = append(out, scheduledTask{ID: info.ID, Type: info.Type, At: info.NextProcessAt.UTC().Format("2006-01-02T15:04:05Z")})
		}
		_ = enc.Encode(out)
	default:
		fmt.Fprintf(opts.Stderr, "unknown command %q\n", opts.Command)
		return 2
	}
	return 0
}
