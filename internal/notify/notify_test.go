package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/taskorch/internal/agent"
	"github.com/cuongbtq/taskorch/internal/domain"
	"github.com/cuongbtq/taskorch/shared/logger"
)

type stubRepo struct {
	agent.Repo
	err    error
	stored []domain.Event
}

func (s *stubRepo) AppendEvent(_ context.Context, e domain.Event) (domain.Event, error) {
	if s.err != nil {
		return domain.Event{}, s.err
	}
	e.ID = "evt-1"
	e.Seq = int64(len(s.stored) + 1)
	s.stored = append(s.stored, e)
	return e, nil
}

type stubPublisher struct {
	err    error
	keys   []string
	bodies [][]byte
}

func (p *stubPublisher) Publish(_ context.Context, key string, body []byte, _ string) error {
	p.keys = append(p.keys, key)
	p.bodies = append(p.bodies, body)
	return p.err
}

func TestAppendEvent_Publishes(t *testing.T) {
	repo := &stubRepo{}
	pub := &stubPublisher{}
	r := Wrap(repo, pub, "node-a", logger.Discard())

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stored, err := r.AppendEvent(context.Background(), domain.Event{
		TaskID:    "t1",
		Level:     domain.LevelInfo,
		Type:      domain.EventTaskDone,
		Message:   "render done",
		CreatedAt: at,
	})
	require.NoError(t, err)
	assert.Equal(t, "evt-1", stored.ID)

	require.Len(t, pub.keys, 1)
	assert.Equal(t, domain.EventTaskDone, pub.keys[0])

	var msg EventMessage
	require.NoError(t, json.Unmarshal(pub.bodies[0], &msg))
	assert.Equal(t, "evt-1", msg.ID)
	assert.Equal(t, "t1", msg.TaskID)
	assert.Equal(t, int64(1), msg.Seq)
	assert.Equal(t, "node-a", msg.Node)
	assert.True(t, msg.CreatedAt.Equal(at))
}

func TestAppendEvent_PublishFailureIgnored(t *testing.T) {
	repo := &stubRepo{}
	r := Wrap(repo, &stubPublisher{err: errors.New("broker down")}, "node-a", logger.Discard())

	_, err := r.AppendEvent(context.Background(), domain.Event{TaskID: "t1", Type: domain.EventTaskStart})
	require.NoError(t, err)
	assert.Len(t, repo.stored, 1)
}

func TestAppendEvent_StoreFailureNotPublished(t *testing.T) {
	pub := &stubPublisher{}
	r := Wrap(&stubRepo{err: errors.New("db down")}, pub, "node-a", logger.Discard())

	_, err := r.AppendEvent(context.Background(), domain.Event{TaskID: "t1", Type: domain.EventTaskStart})
	require.Error(t, err)
	assert.Empty(t, pub.keys)
}
