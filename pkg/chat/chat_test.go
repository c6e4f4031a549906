package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onyx-hq/onyx/pkg/ai"
	"github.com/onyx-hq/onyx/pkg/bus"
	"github.com/onyx-hq/onyx/pkg/models"
)

type fakeCatalog struct {
	info *models.AgentInfo
	err  error

	gotAgentID   uuid.UUID
	gotPublished bool
}

func (f *fakeCatalog) AgentInfo(ctx context.Context, agentID uuid.UUID, published bool) (*models.AgentInfo, error) {
	f.gotAgentID = agentID
	f.gotPublished = published
	return f.info, f.err
}

type fakeChain struct {
	events []models.StreamEvent
	err    error
	got    ai.ChainRequest
}

func (f *fakeChain) Stream(ctx context.Context, req ai.ChainRequest) (<-chan models.StreamEvent, <-chan error) {
	f.got = req
	events := make(chan models.StreamEvent, len(f.events))
	errs := make(chan error, 1)
	for _, event := range f.events {
		events <- event
	}
	close(events)
	if f.err != nil {
		errs <- f.err
	}
	close(errs)
	return events, errs
}

type recordingNotifier struct {
	mu        sync.Mutex
	finished  []StreamFinished
	previewed []PreviewedWithAI
}

func (n *recordingNotifier) ChatFinished(ctx context.Context, event StreamFinished) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finished = append(n.finished, event)
	return nil
}

func (n *recordingNotifier) AgentPreviewed(ctx context.Context, event PreviewedWithAI) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.previewed = append(n.previewed, event)
	return nil
}

func newChatTestService(t *testing.T, catalog *fakeCatalog, chain *fakeChain) (*bus.Service, *bus.Dispatcher, *recordingNotifier) {
	t.Helper()
	dispatcher := bus.NewDispatcher(4)
	t.Cleanup(func() { _ = dispatcher.Teardown(time.Second) })
	eventBus := bus.NewEventBus(dispatcher)
	notifier := &recordingNotifier{}

	svc := NewService(Deps{
		Catalog:  catalog,
		Chain:    chain,
		Notifier: notifier,
	}).BindDispatcher(dispatcher).BindEventBus(eventBus)
	return svc, dispatcher, notifier
}

func previewAgentInfo() *models.AgentInfo {
	return &models.AgentInfo{ID: uuid.New(), Name: "Helper"}
}

func TestPreviewForwardsChainEventsInOrder(t *testing.T) {
	catalog := &fakeCatalog{info: previewAgentInfo()}
	chain := &fakeChain{events: []models.StreamEvent{
		models.StepChunk(models.StepFetchData),
		models.ContentChunk("Hello"),
		models.ContentChunk(" there"),
		models.StreamingTrace{TraceID: "t-1"},
	}}
	svc, dispatcher, notifier := newChatTestService(t, catalog, chain)

	req := PreviewWithAI{
		AgentID: catalog.info.ID,
		Content: "Hi",
		Context: models.ChatContext{UserID: uuid.New()},
	}
	chunks, errs := bus.OpenStream[models.StreamEvent](context.Background(), svc, req)
	var got []models.StreamEvent
	for chunk := range chunks {
		got = append(got, chunk)
	}
	require.NoError(t, <-errs)
	require.Len(t, got, 4)
	assert.Equal(t, models.ContentChunk("Hello"), got[1])
	assert.Equal(t, models.StreamingTrace{TraceID: "t-1"}, got[3])

	assert.Equal(t, "Hi", chain.got.Text)
	assert.Equal(t, catalog.info.ID, catalog.gotAgentID)
	assert.False(t, catalog.gotPublished)
	assert.True(t, chain.got.CiteSources, "unpublished previews cite sources")
	assert.Equal(t, "preview-"+catalog.info.ID.String(), chain.got.TracingSessionID)

	require.NoError(t, dispatcher.Teardown(time.Second))
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.previewed, 1)
	assert.Equal(t, req.Context.UserID, notifier.previewed[0].UserID)
}

func TestPreviewOfPublishedVersionDisablesCitations(t *testing.T) {
	catalog := &fakeCatalog{info: previewAgentInfo()}
	chain := &fakeChain{}
	svc, _, _ := newChatTestService(t, catalog, chain)

	chunks, errs := bus.OpenStream[models.StreamEvent](context.Background(), svc,
		PreviewWithAI{AgentID: catalog.info.ID, Content: "Hi", Published: true})
	for range chunks {
	}
	require.NoError(t, <-errs)
	assert.True(t, catalog.gotPublished)
	assert.False(t, chain.got.CiteSources)
}

func TestPreviewFailurePublishesNothing(t *testing.T) {
	catalog := &fakeCatalog{info: previewAgentInfo()}
	chain := &fakeChain{err: errors.New("llm down")}
	svc, dispatcher, notifier := newChatTestService(t, catalog, chain)

	chunks, errs := bus.OpenStream[models.StreamEvent](context.Background(), svc,
		PreviewWithAI{AgentID: catalog.info.ID, Content: "Hi"})
	for range chunks {
	}
	require.ErrorContains(t, <-errs, "llm down")

	require.NoError(t, dispatcher.Teardown(time.Second))
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Empty(t, notifier.previewed)
}

func TestSubmitFeedbackRejectsOutOfRangeScore(t *testing.T) {
	svc, _, _ := newChatTestService(t, &fakeCatalog{}, &fakeChain{})

	_, err := bus.Send[*models.Feedback](context.Background(), svc,
		SubmitFeedback{MessageID: uuid.New(), UserID: uuid.New(), Score: 2})
	require.ErrorIs(t, err, ErrInvalidScore)
}

func successMessage(content string, fromAI bool) *models.Message {
	return &models.Message{
		ID:          uuid.New(),
		Content:     content,
		IsAIMessage: fromAI,
		Status:      models.MessageSuccess,
	}
}

func TestChatStreamPersistsAnswerAndNotifies(t *testing.T) {
	agent := previewAgentInfo()
	catalog := &fakeCatalog{info: agent}
	chain := &fakeChain{events: []models.StreamEvent{
		models.ContentChunk("Hello"),
		models.ContentChunk(" there"),
		models.StreamingTrace{TraceID: "t-1", TotalDuration: 1.5},
	}}
	svc, dispatcher, notifier := newChatTestService(t, catalog, chain)
	uow := newFakeUnitOfWork()
	bindFakeUnitOfWork(svc, uow)

	userID := uuid.New()
	agentID := agent.ID
	channel := &models.Channel{ID: uuid.New(), AgentID: &agentID, CreatedBy: userID}
	uow.channels.channels[channel.ID] = channel

	chunks, errs := bus.OpenStream[*models.Message](context.Background(), svc, ChatWithAI{
		ChannelID: channel.ID,
		Content:   "Hi",
		Context:   models.ChatContext{UserID: userID},
	})
	var got []*models.Message
	for chunk := range chunks {
		got = append(got, chunk)
	}
	require.NoError(t, <-errs)

	require.Len(t, got, 3, "user message once, then one delta per chunk")
	assert.False(t, got[0].IsAIMessage)
	assert.Equal(t, "Hi", got[0].Content)
	assert.Equal(t, "Hello", got[1].Content)
	assert.Equal(t, " there", got[2].Content)

	require.Len(t, uow.messages.rows, 2)
	answer := uow.messages.rows[1]
	assert.True(t, answer.IsAIMessage)
	assert.Equal(t, "Hello there", answer.Content)
	assert.Equal(t, models.MessageSuccess, answer.Status)
	assert.Equal(t, "t-1", answer.TraceID)
	assert.Equal(t, 1, uow.commits)
	assert.Equal(t, []uuid.UUID{channel.ID}, uow.channels.touched)

	assert.Equal(t, agent.ID, catalog.gotAgentID)
	assert.True(t, catalog.gotPublished, "channel chat always targets the published version")
	assert.True(t, chain.got.CiteSources)
	assert.Equal(t, channel.ID.String(), chain.got.TracingSessionID)

	require.NoError(t, dispatcher.Teardown(time.Second))
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.finished, 1)
	assert.Equal(t, answer.ID, notifier.finished[0].MessageID)
	assert.Equal(t, models.MessageSuccess, notifier.finished[0].Status)
	assert.Equal(t, "t-1", notifier.finished[0].TraceID)
	assert.Equal(t, 1.5, notifier.finished[0].TotalDuration)
}

func TestChatRegenerationRewritesAnswerInPlace(t *testing.T) {
	agent := previewAgentInfo()
	catalog := &fakeCatalog{info: agent}
	chain := &fakeChain{events: []models.StreamEvent{
		models.ContentChunk("Better answer"),
		models.StreamingTrace{TraceID: "t-2"},
	}}
	svc, _, _ := newChatTestService(t, catalog, chain)
	uow := newFakeUnitOfWork()
	bindFakeUnitOfWork(svc, uow)

	userID := uuid.New()
	agentID := agent.ID
	channel := &models.Channel{ID: uuid.New(), AgentID: &agentID, CreatedBy: userID}
	uow.channels.channels[channel.ID] = channel

	user := models.NewUserMessage("Hi", userID, channel.ID, nil)
	require.NoError(t, uow.messages.Create(context.Background(), user))
	answer := models.NewAIMessageFor(user)
	answer.Content = "First answer"
	answer.Status = models.MessageSuccess
	answer.TraceID = "t-1"
	require.NoError(t, uow.messages.Create(context.Background(), answer))

	chunks, errs := bus.OpenStream[*models.Message](context.Background(), svc, ChatWithAI{
		ChannelID: channel.ID,
		Context:   models.ChatContext{UserID: userID},
		AnswerID:  &answer.ID,
	})
	var got []*models.Message
	for chunk := range chunks {
		got = append(got, chunk)
	}
	require.NoError(t, <-errs)

	require.NotEmpty(t, got)
	assert.Equal(t, user.ID, got[0].ID, "regeneration re-emits the original user message")
	assert.Equal(t, "Hi", chain.got.Text)
	assert.Empty(t, chain.got.ChatHistory, "the turn under rewrite never sees itself")

	require.Len(t, uow.messages.rows, 2, "regeneration must not create rows")
	rewritten, err := uow.messages.GetByID(context.Background(), answer.ID)
	require.NoError(t, err)
	assert.Equal(t, "Better answer", rewritten.Content)
	assert.Equal(t, models.MessageSuccess, rewritten.Status)
	assert.Equal(t, "t-2", rewritten.TraceID)
}

func TestChatFailedStreamCommitsFailureStatus(t *testing.T) {
	agent := previewAgentInfo()
	catalog := &fakeCatalog{info: agent}
	chain := &fakeChain{
		events: []models.StreamEvent{models.ContentChunk("par")},
		err:    errors.New("llm down"),
	}
	svc, _, _ := newChatTestService(t, catalog, chain)
	uow := newFakeUnitOfWork()
	bindFakeUnitOfWork(svc, uow)

	userID := uuid.New()
	agentID := agent.ID
	channel := &models.Channel{ID: uuid.New(), AgentID: &agentID, CreatedBy: userID}
	uow.channels.channels[channel.ID] = channel

	chunks, errs := bus.OpenStream[*models.Message](context.Background(), svc, ChatWithAI{
		ChannelID: channel.ID,
		Content:   "Hi",
		Context:   models.ChatContext{UserID: userID},
	})
	for range chunks {
	}
	require.NoError(t, <-errs, "a mid-stream failure is reported on the row, not the stream")

	require.Len(t, uow.messages.rows, 2)
	assert.Equal(t, models.MessageFailure, uow.messages.rows[1].Status)
	assert.Equal(t, "par", uow.messages.rows[1].Content)
	assert.Equal(t, 1, uow.commits)
}

func TestChainHistorySkipsUnfinishedTurns(t *testing.T) {
	streaming := successMessage("partial", true)
	streaming.Status = models.MessageStreaming
	failed := successMessage("broken", true)
	failed.Status = models.MessageFailure

	history := []*models.Message{
		successMessage("Hi", false),
		successMessage("Hello!", true),
		streaming,
		failed,
	}
	turns := chainHistory(history, nil)
	require.Len(t, turns, 2)
	assert.Equal(t, "Hi", turns[0].Content)
	assert.False(t, turns[0].IsAIMessage)
	assert.True(t, turns[1].IsAIMessage)
}

func TestChainHistoryCutsOffAtRegeneratedTurn(t *testing.T) {
	first := successMessage("Hi", false)
	answer := successMessage("Hello!", true)
	regenerated := successMessage("Again", false)

	history := []*models.Message{first, answer, regenerated}
	turns := chainHistory(history, &regenerated.ID)
	require.Len(t, turns, 2)
	assert.Equal(t, "Hello!", turns[1].Content)
}
