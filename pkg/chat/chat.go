package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/onyx-hq/onyx/pkg/ai"
	"github.com/onyx-hq/onyx/pkg/bus"
	"github.com/onyx-hq/onyx/pkg/models"
	"github.com/onyx-hq/onyx/pkg/store"
)

// messageHistoryLimit bounds how much channel history reaches the chain.
const messageHistoryLimit = 20

// handleChatWithAI is the streaming chat handler. It yields the user
// message once, then a delta view of the AI answer per applied chunk. The
// answer row always reaches a terminal status and is always committed, even
// when the chain fails mid-stream.
func handleChatWithAI(ctx context.Context, req ChatWithAI, sc *bus.Scope, emit func(*models.Message) error) error {
	uow, err := bus.Resolve[UnitOfWork](ctx, sc)
	if err != nil {
		return err
	}
	channel, err := uow.Channels().GetByID(ctx, req.ChannelID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, req.ChannelID)
	}
	if err != nil {
		return err
	}
	if channel.AgentID == nil {
		return fmt.Errorf("%w: %s", ErrAgentRequired, channel.ID)
	}
	agents, err := bus.Resolve[AgentCatalog](ctx, sc)
	if err != nil {
		return err
	}
	agentInfo, err := agents.AgentInfo(ctx, *channel.AgentID, true)
	if err != nil {
		return err
	}
	history, err := uow.Messages().ListByChannel(ctx, channel.ID, messageHistoryLimit)
	if err != nil {
		return err
	}
	user, answer, err := prepareMessages(ctx, uow, req, history)
	if err != nil {
		return err
	}
	if err := emit(user); err != nil {
		return err
	}

	chain, err := bus.Resolve[Chain](ctx, sc)
	if err != nil {
		return err
	}
	chatContext := req.Context
	chatContext.ChannelID = channel.ID
	var cutoff *uuid.UUID
	if req.AnswerID != nil {
		cutoff = &user.ID
	}
	events, errs := chain.Stream(ctx, ai.ChainRequest{
		Text:             user.Content,
		Context:          chatContext,
		ChatHistory:      chainHistory(history, cutoff),
		AgentInfo:        agentInfo,
		CiteSources:      true,
		TracingSessionID: channel.ID.String(),
	})

	var streamTrace models.StreamingTrace
	var streamErr error
consume:
	for event := range events {
		switch e := event.(type) {
		case models.StreamingTrace:
			streamTrace = e
			answer.TraceID = e.TraceID
		case models.StreamingChunk:
			answer.ApplyStreamingChunk(e)
			if err := emit(answer.DeltaChunk(e)); err != nil {
				streamErr = err
				break consume
			}
		}
	}
	if streamErr == nil {
		streamErr = <-errs
	}

	// The terminal write must land even when the request context died.
	final := context.WithoutCancel(ctx)
	answer.Status = models.MessageSuccess
	if streamErr != nil {
		answer.Status = models.MessageFailure
		slog.Warn("Chat stream failed",
			"channel_id", channel.ID, "message_id", answer.ID, "error", streamErr)
	}
	if err := uow.Messages().Update(final, answer); err != nil {
		return err
	}
	if err := uow.Channels().Touch(final, channel.ID, time.Now()); err != nil {
		return err
	}
	if err := uow.Commit(final); err != nil {
		return err
	}
	if streamErr != nil {
		// Failed runs still yield one final empty delta carrying the status.
		_ = emit(answer.DeltaChunk(models.StreamingChunk{}))
	}
	sc.Events().Publish(StreamFinished{
		ChannelID:        channel.ID,
		MessageID:        answer.ID,
		Status:           answer.Status,
		TraceID:          answer.TraceID,
		TotalDuration:    streamTrace.TotalDuration,
		TimeToFirstToken: streamTrace.TimeToFirstToken,
	})
	return nil
}

// prepareMessages returns the (user, answer) pair for the run: fresh rows
// for a new turn, or the existing pair with the answer reset when
// regenerating.
func prepareMessages(ctx context.Context, uow UnitOfWork, req ChatWithAI, history []*models.Message) (*models.Message, *models.Message, error) {
	if req.AnswerID != nil {
		answer, err := uow.Messages().GetByID(ctx, *req.AnswerID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", ErrMessageNotFound, *req.AnswerID)
		}
		if err != nil {
			return nil, nil, err
		}
		if !answer.IsAIMessage || answer.ParentID == nil {
			return nil, nil, fmt.Errorf("%w: %s is not an AI answer", ErrMessageNotFound, answer.ID)
		}
		user, err := uow.Messages().GetByID(ctx, *answer.ParentID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", ErrMessageNotFound, *answer.ParentID)
		}
		if err != nil {
			return nil, nil, err
		}
		answer.Content = ""
		answer.Sources = nil
		answer.Steps = nil
		answer.TraceID = ""
		answer.Status = models.MessageStreaming
		if err := uow.Messages().Update(ctx, answer); err != nil {
			return nil, nil, err
		}
		return user, answer, nil
	}

	var parentID *uuid.UUID
	if len(history) > 0 {
		id := history[len(history)-1].ID
		parentID = &id
	}
	user := models.NewUserMessage(req.Content, req.Context.UserID, req.ChannelID, parentID)
	if err := uow.Messages().Create(ctx, user); err != nil {
		return nil, nil, err
	}
	answer := models.NewAIMessageFor(user)
	if err := uow.Messages().Create(ctx, answer); err != nil {
		return nil, nil, err
	}
	return user, answer, nil
}

// chainHistory serializes completed turns for the chain, stopping at cutoff
// when regenerating so the answer under rewrite never sees itself.
func chainHistory(history []*models.Message, cutoff *uuid.UUID) []models.ChatMessage {
	turns := make([]models.ChatMessage, 0, len(history))
	for _, m := range history {
		if cutoff != nil && m.ID == *cutoff {
			break
		}
		if m.Status != models.MessageSuccess || m.Content == "" {
			continue
		}
		turns = append(turns, models.ChatMessage{Content: m.Content, IsAIMessage: m.IsAIMessage})
	}
	return turns
}

// handlePreviewWithAI runs the chain without touching the database.
// Unpublished previews cite sources so editors can inspect retrieval.
func handlePreviewWithAI(ctx context.Context, req PreviewWithAI, sc *bus.Scope, emit func(models.StreamEvent) error) error {
	agents, err := bus.Resolve[AgentCatalog](ctx, sc)
	if err != nil {
		return err
	}
	agentInfo, err := agents.AgentInfo(ctx, req.AgentID, req.Published)
	if err != nil {
		return err
	}
	chain, err := bus.Resolve[Chain](ctx, sc)
	if err != nil {
		return err
	}
	events, errs := chain.Stream(ctx, ai.ChainRequest{
		Text:             req.Content,
		Context:          req.Context,
		ChatHistory:      req.History,
		AgentInfo:        agentInfo,
		CiteSources:      !req.Published,
		TracingSessionID: "preview-" + req.AgentID.String(),
	})
	for event := range events {
		if err := emit(event); err != nil {
			return err
		}
	}
	if err := <-errs; err != nil {
		return err
	}
	sc.Events().Publish(PreviewedWithAI{AgentID: req.AgentID, UserID: req.Context.UserID})
	return nil
}
