package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/onyx-hq/onyx/pkg/ai"
	"github.com/onyx-hq/onyx/pkg/bus"
	"github.com/onyx-hq/onyx/pkg/catalog"
	"github.com/onyx-hq/onyx/pkg/models"
	"github.com/onyx-hq/onyx/pkg/store"
)

// ChannelStore is the slice of channel persistence the handlers touch.
// Missing rows surface as store.ErrNotFound.
type ChannelStore interface {
	Create(ctx context.Context, c *models.Channel) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Channel, error)
	GetByAgentAndCreator(ctx context.Context, agentID, createdBy uuid.UUID) (*models.Channel, error)
	Rename(ctx context.Context, id uuid.UUID, name string) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error
}

// MessageStore is the slice of message persistence the handlers touch.
type MessageStore interface {
	Create(ctx context.Context, m *models.Message) error
	Update(ctx context.Context, m *models.Message) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Message, error)
	ListByChannel(ctx context.Context, channelID uuid.UUID, limit int) ([]*models.Message, error)
}

// FeedbackStore persists message scores.
type FeedbackStore interface {
	Upsert(ctx context.Context, f *models.Feedback) error
	GetByMessage(ctx context.Context, messageID, userID uuid.UUID) (*models.Feedback, error)
}

// UnitOfWork is one transactional scope over the chat tables. Writes are
// invisible until Commit; an uncommitted unit rolls back when the handler
// scope closes.
type UnitOfWork interface {
	Channels() ChannelStore
	Messages() MessageStore
	Feedback() FeedbackStore
	Commit(ctx context.Context) error
}

// storeUnitOfWork adapts *store.UnitOfWork to the handler-facing interface.
type storeUnitOfWork struct {
	uow *store.UnitOfWork
}

func (s storeUnitOfWork) Channels() ChannelStore { return s.uow.Channels }

func (s storeUnitOfWork) Messages() MessageStore { return s.uow.Messages }

func (s storeUnitOfWork) Feedback() FeedbackStore { return s.uow.Feedback }

func (s storeUnitOfWork) Commit(ctx context.Context) error { return s.uow.Commit(ctx) }

// Release keeps the adapter a scoped resource so the container still rolls
// back abandoned transactions.
func (s storeUnitOfWork) Release(ctx context.Context) error { return s.uow.Release(ctx) }

// AgentCatalog is the slice of the catalog service the chat service needs.
type AgentCatalog interface {
	AgentInfo(ctx context.Context, agentID uuid.UUID, published bool) (*models.AgentInfo, error)
}

// Chain runs one chat turn and streams its events. *ai.Builder is the
// production implementation.
type Chain interface {
	Stream(ctx context.Context, req ai.ChainRequest) (<-chan models.StreamEvent, <-chan error)
}

// Notifier receives the chat lifecycle events after commit.
type Notifier interface {
	ChatFinished(ctx context.Context, event StreamFinished) error
	AgentPreviewed(ctx context.Context, event PreviewedWithAI) error
}

// BusCatalog adapts the catalog bus service to AgentCatalog.
type BusCatalog struct {
	svc *bus.Service
}

// NewBusCatalog wraps the catalog service.
func NewBusCatalog(svc *bus.Service) *BusCatalog {
	return &BusCatalog{svc: svc}
}

func (c *BusCatalog) AgentInfo(ctx context.Context, agentID uuid.UUID, published bool) (*models.AgentInfo, error) {
	return bus.Send[*models.AgentInfo](ctx, c.svc,
		catalog.GetAgentInfo{AgentID: agentID, Published: published})
}

// LogNotifier is the default Notifier: it only logs. Deployments with a
// push channel plug their own in.
type LogNotifier struct{}

func (LogNotifier) ChatFinished(ctx context.Context, event StreamFinished) error {
	slog.Info("Chat stream finished",
		"channel_id", event.ChannelID,
		"message_id", event.MessageID,
		"status", event.Status,
		"total_duration", event.TotalDuration)
	return nil
}

func (LogNotifier) AgentPreviewed(ctx context.Context, event PreviewedWithAI) error {
	slog.Info("Agent previewed", "agent_id", event.AgentID, "user_id", event.UserID)
	return nil
}
