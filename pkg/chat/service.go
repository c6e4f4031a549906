package chat

import (
	"context"

	"github.com/onyx-hq/onyx/pkg/bus"
	"github.com/onyx-hq/onyx/pkg/store"
	"github.com/onyx-hq/onyx/pkg/trace"
)

// ServiceName identifies the chat service in logs.
const ServiceName = "chat"

// Deps are the singletons the chat service is wired with.
type Deps struct {
	Store    *store.Client
	Catalog  AgentCatalog
	Chain    Chain
	Tracer   trace.Tracer
	Notifier Notifier
}

// NewService wires the chat handlers onto a bus service. The returned
// service still needs a dispatcher and event bus bound before use.
func NewService(deps Deps) *bus.Service {
	if deps.Notifier == nil {
		deps.Notifier = LogNotifier{}
	}
	if deps.Tracer == nil {
		deps.Tracer = trace.NewNoopTracer()
	}
	s := bus.NewService(ServiceName)
	c := s.Container()

	bus.RegisterFactory(c, func(ctx context.Context) (UnitOfWork, error) {
		uow, err := deps.Store.Begin(ctx)
		if err != nil {
			return nil, err
		}
		return storeUnitOfWork{uow: uow}, nil
	})
	bus.RegisterInstance(c, deps.Catalog)
	bus.RegisterInstance(c, deps.Chain)
	bus.RegisterInstance(c, deps.Tracer)
	bus.RegisterInstance(c, deps.Notifier)

	bus.HandleStream(s, handleChatWithAI)
	bus.HandleStream(s, handlePreviewWithAI)

	bus.HandleRequest(s, handleCreateChannel)
	bus.HandleRequest(s, handleRenameChannel)
	bus.HandleRequest(s, handleDeleteChannel)
	bus.HandleRequest(s, handleListMessages)
	bus.HandleRequest(s, handleSavePreview)
	bus.HandleRequest(s, handleSubmitFeedback)

	bus.HandleEvent(s, handleStreamFinishedEvent)
	bus.HandleEvent(s, handlePreviewedWithAIEvent)

	return s
}

func handleStreamFinishedEvent(ctx context.Context, event StreamFinished, sc *bus.Scope) error {
	notifier, err := bus.Resolve[Notifier](ctx, sc)
	if err != nil {
		return err
	}
	return notifier.ChatFinished(ctx, event)
}

func handlePreviewedWithAIEvent(ctx context.Context, event PreviewedWithAI, sc *bus.Scope) error {
	notifier, err := bus.Resolve[Notifier](ctx, sc)
	if err != nil {
		return err
	}
	return notifier.AgentPreviewed(ctx, event)
}
