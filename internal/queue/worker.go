package queue

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
)

func (q *Queue) HandlePublishPostTask(ctx context.Context, task *asynq.Task) error {
	var payload PublishPostPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}

	results, err := q.orc.PublishPost(ctx, payload.PostID)
	if err != nil {
		return err
	}

	for _, r := range results {
		if !r.Success {
			slog.Warn("publish target failed", "post_id", payload.PostID, "account_id", r.AccountID, "message", r.Message)
		}
	}

	return nil
}
