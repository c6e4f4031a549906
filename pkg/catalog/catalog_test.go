package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onyx-hq/onyx/pkg/bus"
	"github.com/onyx-hq/onyx/pkg/models"
	"github.com/onyx-hq/onyx/pkg/store"
)

type fakeSearch struct {
	mu      sync.Mutex
	indexed []models.AgentDocument
	deleted []uuid.UUID
}

func (f *fakeSearch) IndexAgent(ctx context.Context, doc models.AgentDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, doc)
	return nil
}

func (f *fakeSearch) DeleteAgent(ctx context.Context, agentID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, agentID)
	return nil
}

type removeAgent struct {
	ID   uuid.UUID
	Fail bool
}

type announceAgent struct {
	ID uuid.UUID
}

type fakeAgentSource struct {
	agents map[uuid.UUID]*models.Agent
}

func (f *fakeAgentSource) LoadAgent(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	agent, ok := f.agents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return agent, nil
}

func newSearchTestService(t *testing.T) (*bus.Service, *bus.Dispatcher, *fakeSearch, *fakeAgentSource) {
	t.Helper()
	dispatcher := bus.NewDispatcher(4)
	t.Cleanup(func() { _ = dispatcher.Teardown(time.Second) })
	eventBus := bus.NewEventBus(dispatcher)
	svc := bus.NewService("catalog-test").BindDispatcher(dispatcher).BindEventBus(eventBus)

	search := &fakeSearch{}
	agents := &fakeAgentSource{agents: make(map[uuid.UUID]*models.Agent)}
	bus.RegisterInstance[SearchClient](svc.Container(), search)
	bus.RegisterInstance[AgentSource](svc.Container(), agents)
	bus.HandleEvent(svc, handleAgentDeletedEvent)
	bus.HandleEvent(svc, handleAgentPublishedEvent)
	bus.HandleRequest(svc, func(ctx context.Context, req removeAgent, sc *bus.Scope) (uuid.UUID, error) {
		sc.Events().Publish(AgentDeleted{AgentID: req.ID})
		if req.Fail {
			return uuid.Nil, errors.New("delete failed")
		}
		return req.ID, nil
	})
	bus.HandleRequest(svc, func(ctx context.Context, req announceAgent, sc *bus.Scope) (uuid.UUID, error) {
		sc.Events().Publish(AgentPublished{AgentID: req.ID})
		return req.ID, nil
	})
	return svc, dispatcher, search, agents
}

func TestAgentDeletedEventDropsSearchDocumentAfterCommit(t *testing.T) {
	svc, dispatcher, search, _ := newSearchTestService(t)
	agentID := uuid.New()

	_, err := bus.Send[uuid.UUID](context.Background(), svc, removeAgent{ID: agentID})
	require.NoError(t, err)
	require.NoError(t, dispatcher.Teardown(time.Second))

	search.mu.Lock()
	defer search.mu.Unlock()
	assert.Equal(t, []uuid.UUID{agentID}, search.deleted)
}

func TestFailedHandlerNeverReachesSearchIndex(t *testing.T) {
	svc, dispatcher, search, _ := newSearchTestService(t)

	_, err := bus.Send[uuid.UUID](context.Background(), svc, removeAgent{ID: uuid.New(), Fail: true})
	require.Error(t, err)
	require.NoError(t, dispatcher.Teardown(time.Second))

	search.mu.Lock()
	defer search.mu.Unlock()
	assert.Empty(t, search.deleted, "events from a failed handler must be discarded")
}

func TestAgentPublishedEventIndexesPublishedVersion(t *testing.T) {
	svc, dispatcher, search, agents := newSearchTestService(t)
	agentID := uuid.New()
	agents.agents[agentID] = &models.Agent{
		ID: agentID,
		PublishedVersion: &models.AgentVersion{
			Name:        "Helper",
			Description: "Answers questions",
			Starters:    []string{"What can you do?"},
			Avatar:      "robot.png",
			Subdomain:   "helper",
		},
	}

	_, err := bus.Send[uuid.UUID](context.Background(), svc, announceAgent{ID: agentID})
	require.NoError(t, err)
	require.NoError(t, dispatcher.Teardown(time.Second))

	search.mu.Lock()
	defer search.mu.Unlock()
	require.Len(t, search.indexed, 1)
	assert.Equal(t, models.AgentDocument{
		ID:                   agentID,
		Name:                 "Helper",
		Description:          "Answers questions",
		ConversationStarters: []string{"What can you do?"},
		Avatar:               "robot.png",
		Subdomain:            "helper",
	}, search.indexed[0])
}

func TestDeletedAgentNeverReentersIndex(t *testing.T) {
	svc, dispatcher, search, agents := newSearchTestService(t)
	agentID := uuid.New()
	agents.agents[agentID] = &models.Agent{
		ID:               agentID,
		IsDeleted:        true,
		PublishedVersion: &models.AgentVersion{Name: "Gone"},
	}

	_, err := bus.Send[uuid.UUID](context.Background(), svc, announceAgent{ID: agentID})
	require.NoError(t, err)
	require.NoError(t, dispatcher.Teardown(time.Second))

	search.mu.Lock()
	defer search.mu.Unlock()
	assert.Empty(t, search.indexed)
}

func TestVanishedAgentSkipsIndexingWithoutFailing(t *testing.T) {
	svc, dispatcher, search, _ := newSearchTestService(t)

	_, err := bus.Send[uuid.UUID](context.Background(), svc, announceAgent{ID: uuid.New()})
	require.NoError(t, err)
	require.NoError(t, dispatcher.Teardown(time.Second))

	search.mu.Lock()
	defer search.mu.Unlock()
	assert.Empty(t, search.indexed)
}

type fakeConnector struct {
	tables  []models.TableInfo
	testErr error
	closed  bool
}

func (f *fakeConnector) TestConnection(ctx context.Context) error { return f.testErr }
func (f *fakeConnector) GetTables(ctx context.Context) ([]models.TableInfo, error) {
	return f.tables, nil
}
func (f *fakeConnector) Query(ctx context.Context, query string) (string, error) { return "[]", nil }
func (f *fakeConnector) Close()                                                  { f.closed = true }

func TestConnectorRegistryRejectsUnknownSlug(t *testing.T) {
	registry := NewConnectorRegistry()
	_, err := registry.Open(context.Background(), "oracle", nil)
	require.ErrorIs(t, err, ErrSourceNotSupported)
}

func TestConnectorRegistryUsesRegisteredFactory(t *testing.T) {
	registry := NewConnectorRegistry()
	want := &fakeConnector{tables: []models.TableInfo{{Identity: "public.orders", Name: "orders"}}}
	registry.Register("warehouse", func(ctx context.Context, configuration map[string]any) (Connector, error) {
		assert.Equal(t, "secret", configuration["token"])
		return want, nil
	})

	connector, err := registry.Open(context.Background(), "warehouse", map[string]any{"token": "secret"})
	require.NoError(t, err)
	assert.Same(t, want, connector)
}

func TestPostgresConnectorRequiresDSN(t *testing.T) {
	registry := NewConnectorRegistry()
	_, err := registry.Open(context.Background(), "postgres", map[string]any{})
	require.ErrorContains(t, err, "dsn")
}

func TestSourceRegistryKnowsGmailOnly(t *testing.T) {
	sources := NewSourceRegistry()
	_, native := sources["gmail"]
	assert.True(t, native)
	_, native = sources["salesforce"]
	assert.False(t, native)
}

func TestGmailSourceRequiresFullConfiguration(t *testing.T) {
	_, err := gmailSource(map[string]any{"client_id": "id", "client_secret": "secret"})
	require.ErrorContains(t, err, "refresh_token")

	source, err := gmailSource(map[string]any{
		"client_id":     "id",
		"client_secret": "secret",
		"refresh_token": "token",
	})
	require.NoError(t, err)
	assert.NotNil(t, source)
}
