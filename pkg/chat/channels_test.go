package chat

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onyx-hq/onyx/pkg/bus"
	"github.com/onyx-hq/onyx/pkg/models"
	"github.com/onyx-hq/onyx/pkg/store"
	"github.com/onyx-hq/onyx/pkg/trace"
)

type fakeChannelStore struct {
	channels map[uuid.UUID]*models.Channel
	touched  []uuid.UUID
}

func (f *fakeChannelStore) Create(ctx context.Context, c *models.Channel) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	f.channels[c.ID] = c
	return nil
}

func (f *fakeChannelStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Channel, error) {
	c, ok := f.channels[id]
	if !ok || c.IsDeleted {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeChannelStore) GetByAgentAndCreator(ctx context.Context, agentID, createdBy uuid.UUID) (*models.Channel, error) {
	for _, c := range f.channels {
		if !c.IsDeleted && c.AgentID != nil && *c.AgentID == agentID && c.CreatedBy == createdBy {
			return c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeChannelStore) Rename(ctx context.Context, id uuid.UUID, name string) error {
	c, ok := f.channels[id]
	if !ok || c.IsDeleted {
		return store.ErrNotFound
	}
	c.Name = name
	return nil
}

func (f *fakeChannelStore) SoftDelete(ctx context.Context, id uuid.UUID) error {
	c, ok := f.channels[id]
	if !ok {
		return store.ErrNotFound
	}
	c.IsDeleted = true
	return nil
}

func (f *fakeChannelStore) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	f.touched = append(f.touched, id)
	return nil
}

type fakeMessageStore struct {
	rows []*models.Message
}

func (f *fakeMessageStore) Create(ctx context.Context, m *models.Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	f.rows = append(f.rows, m)
	return nil
}

func (f *fakeMessageStore) Update(ctx context.Context, m *models.Message) error {
	for i, row := range f.rows {
		if row.ID == m.ID {
			f.rows[i] = m
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeMessageStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	for _, row := range f.rows {
		if row.ID == id {
			return row, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeMessageStore) ListByChannel(ctx context.Context, channelID uuid.UUID, limit int) ([]*models.Message, error) {
	var messages []*models.Message
	for _, row := range f.rows {
		if row.ChannelID == channelID {
			messages = append(messages, row)
		}
	}
	return messages, nil
}

type fakeFeedbackStore struct {
	rows map[uuid.UUID]*models.Feedback
}

func feedbackKey(messageID, userID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(messageID, userID[:])
}

func (f *fakeFeedbackStore) Upsert(ctx context.Context, fb *models.Feedback) error {
	key := feedbackKey(fb.MessageID, fb.UserID)
	if fb.Score == 0 {
		delete(f.rows, key)
		return nil
	}
	if fb.ID == uuid.Nil {
		fb.ID = uuid.New()
	}
	stored := *fb
	f.rows[key] = &stored
	return nil
}

func (f *fakeFeedbackStore) GetByMessage(ctx context.Context, messageID, userID uuid.UUID) (*models.Feedback, error) {
	fb, ok := f.rows[feedbackKey(messageID, userID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return fb, nil
}

type fakeUnitOfWork struct {
	channels *fakeChannelStore
	messages *fakeMessageStore
	feedback *fakeFeedbackStore
	commits  int
}

func newFakeUnitOfWork() *fakeUnitOfWork {
	return &fakeUnitOfWork{
		channels: &fakeChannelStore{channels: make(map[uuid.UUID]*models.Channel)},
		messages: &fakeMessageStore{},
		feedback: &fakeFeedbackStore{rows: make(map[uuid.UUID]*models.Feedback)},
	}
}

func (f *fakeUnitOfWork) Channels() ChannelStore { return f.channels }

func (f *fakeUnitOfWork) Messages() MessageStore { return f.messages }

func (f *fakeUnitOfWork) Feedback() FeedbackStore { return f.feedback }

func (f *fakeUnitOfWork) Commit(ctx context.Context) error {
	f.commits++
	return nil
}

func bindFakeUnitOfWork(svc *bus.Service, uow *fakeUnitOfWork) {
	bus.RegisterFactory(svc.Container(), func(ctx context.Context) (UnitOfWork, error) {
		return uow, nil
	})
}

type scoreCall struct {
	score   int
	id      string
	traceID string
	comment string
}

type recordingTracer struct {
	trace.Tracer
	scores []scoreCall
}

func (r *recordingTracer) Score(ctx context.Context, score int, id, traceID, comment string) error {
	r.scores = append(r.scores, scoreCall{score: score, id: id, traceID: traceID, comment: comment})
	return nil
}

func TestCreateChannelIsIdempotentPerAgentAndCreator(t *testing.T) {
	svc, _, _ := newChatTestService(t, &fakeCatalog{}, &fakeChain{})
	uow := newFakeUnitOfWork()
	bindFakeUnitOfWork(svc, uow)

	req := CreateChannel{
		OrganizationID: uuid.New(),
		CreatedBy:      uuid.New(),
		AgentID:        uuid.New(),
		Name:           "Ask Helper",
	}
	first, err := bus.Send[*models.Channel](context.Background(), svc, req)
	require.NoError(t, err)
	second, err := bus.Send[*models.Channel](context.Background(), svc, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, uow.channels.channels, 1)
}

func TestSubmitFeedbackRescoreKeepsStoredScoreID(t *testing.T) {
	svc, _, _ := newChatTestService(t, &fakeCatalog{}, &fakeChain{})
	uow := newFakeUnitOfWork()
	bindFakeUnitOfWork(svc, uow)
	tracer := &recordingTracer{Tracer: trace.NewNoopTracer()}
	bus.RegisterInstance[trace.Tracer](svc.Container(), tracer)

	message := &models.Message{ID: uuid.New(), IsAIMessage: true, TraceID: "trace-9"}
	uow.messages.rows = append(uow.messages.rows, message)
	userID := uuid.New()

	first, err := bus.Send[*models.Feedback](context.Background(), svc,
		SubmitFeedback{MessageID: message.ID, UserID: userID, Score: 1})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, first.ID)

	second, err := bus.Send[*models.Feedback](context.Background(), svc,
		SubmitFeedback{MessageID: message.ID, UserID: userID, Score: -1, Comment: "wrong"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "a re-score must update the stored row, not mint a new one")
	require.Len(t, tracer.scores, 2)
	assert.Equal(t, first.ID.String(), tracer.scores[0].id)
	assert.Equal(t, first.ID.String(), tracer.scores[1].id)
	assert.Equal(t, -1, tracer.scores[1].score)
	assert.Equal(t, "wrong", tracer.scores[1].comment)
	assert.Equal(t, "trace-9", tracer.scores[1].traceID)
}

func TestSubmitFeedbackZeroScoreDeletesWithStoredID(t *testing.T) {
	svc, _, _ := newChatTestService(t, &fakeCatalog{}, &fakeChain{})
	uow := newFakeUnitOfWork()
	bindFakeUnitOfWork(svc, uow)
	tracer := &recordingTracer{Tracer: trace.NewNoopTracer()}
	bus.RegisterInstance[trace.Tracer](svc.Container(), tracer)

	message := &models.Message{ID: uuid.New(), IsAIMessage: true, TraceID: "trace-9"}
	uow.messages.rows = append(uow.messages.rows, message)
	userID := uuid.New()

	first, err := bus.Send[*models.Feedback](context.Background(), svc,
		SubmitFeedback{MessageID: message.ID, UserID: userID, Score: 1})
	require.NoError(t, err)

	_, err = bus.Send[*models.Feedback](context.Background(), svc,
		SubmitFeedback{MessageID: message.ID, UserID: userID, Score: 0})
	require.NoError(t, err)

	_, err = uow.feedback.GetByMessage(context.Background(), message.ID, userID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.Len(t, tracer.scores, 2)
	assert.Equal(t, 0, tracer.scores[1].score)
	assert.Equal(t, first.ID.String(), tracer.scores[1].id,
		"the deletion must target the score that was written")
}

func TestSubmitFeedbackRejectsUserMessages(t *testing.T) {
	svc, _, _ := newChatTestService(t, &fakeCatalog{}, &fakeChain{})
	uow := newFakeUnitOfWork()
	bindFakeUnitOfWork(svc, uow)

	message := &models.Message{ID: uuid.New(), IsAIMessage: false}
	uow.messages.rows = append(uow.messages.rows, message)

	_, err := bus.Send[*models.Feedback](context.Background(), svc,
		SubmitFeedback{MessageID: message.ID, UserID: uuid.New(), Score: 1})
	require.ErrorIs(t, err, ErrMessageNotFound)
}
