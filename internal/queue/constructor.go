package queue

import (
	"github.com/crosspostd/crosspost/internal/orchestrator"
)

type Queue struct {
	orc *orchestrator.Orchestrator
}

func NewQueue(orc *orchestrator.Orchestrator) *Queue {
	return &Queue{orc: orc}
}

const TaskTypePublishPost = "publish:post"

type PublishPostPayload struct {
	PostID int64 `json:"post_id"`
}
