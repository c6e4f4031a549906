package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/onyx-hq/onyx/pkg/bus"
	"github.com/onyx-hq/onyx/pkg/models"
	"github.com/onyx-hq/onyx/pkg/store"
	"github.com/onyx-hq/onyx/pkg/trace"
)

func handleCreateChannel(ctx context.Context, req CreateChannel, sc *bus.Scope) (*models.Channel, error) {
	uow, err := bus.Resolve[UnitOfWork](ctx, sc)
	if err != nil {
		return nil, err
	}
	existing, err := uow.Channels().GetByAgentAndCreator(ctx, req.AgentID, req.CreatedBy)
	if err == nil {
		return existing, uow.Commit(ctx)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	agentID := req.AgentID
	channel := &models.Channel{
		Name:           req.Name,
		OrganizationID: req.OrganizationID,
		CreatedBy:      req.CreatedBy,
		AgentID:        &agentID,
	}
	if err := uow.Channels().Create(ctx, channel); err != nil {
		return nil, err
	}
	return channel, uow.Commit(ctx)
}

func handleRenameChannel(ctx context.Context, req RenameChannel, sc *bus.Scope) (uuid.UUID, error) {
	uow, err := bus.Resolve[UnitOfWork](ctx, sc)
	if err != nil {
		return uuid.Nil, err
	}
	if err := uow.Channels().Rename(ctx, req.ChannelID, req.Name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return uuid.Nil, fmt.Errorf("%w: %s", ErrChannelNotFound, req.ChannelID)
		}
		return uuid.Nil, err
	}
	return req.ChannelID, uow.Commit(ctx)
}

func handleDeleteChannel(ctx context.Context, req DeleteChannel, sc *bus.Scope) (uuid.UUID, error) {
	uow, err := bus.Resolve[UnitOfWork](ctx, sc)
	if err != nil {
		return uuid.Nil, err
	}
	if err := uow.Channels().SoftDelete(ctx, req.ChannelID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return uuid.Nil, fmt.Errorf("%w: %s", ErrChannelNotFound, req.ChannelID)
		}
		return uuid.Nil, err
	}
	return req.ChannelID, uow.Commit(ctx)
}

func handleListMessages(ctx context.Context, req ListMessages, sc *bus.Scope) ([]*models.Message, error) {
	uow, err := bus.Resolve[UnitOfWork](ctx, sc)
	if err != nil {
		return nil, err
	}
	if _, err := uow.Channels().GetByID(ctx, req.ChannelID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, req.ChannelID)
		}
		return nil, err
	}
	messages, err := uow.Messages().ListByChannel(ctx, req.ChannelID, messageHistoryLimit)
	if err != nil {
		return nil, err
	}
	return messages, uow.Commit(ctx)
}

// handleSavePreview persists a preview transcript as a new channel so the
// user can continue the conversation for real.
func handleSavePreview(ctx context.Context, req SavePreview, sc *bus.Scope) (*models.Channel, error) {
	uow, err := bus.Resolve[UnitOfWork](ctx, sc)
	if err != nil {
		return nil, err
	}
	agentID := req.AgentID
	channel := &models.Channel{
		Name:           req.Name,
		OrganizationID: req.OrganizationID,
		CreatedBy:      req.CreatedBy,
		AgentID:        &agentID,
	}
	if err := uow.Channels().Create(ctx, channel); err != nil {
		return nil, err
	}
	var lastUser *models.Message
	var parentID *uuid.UUID
	for _, turn := range req.Messages {
		if !turn.IsAIMessage {
			user := models.NewUserMessage(turn.Content, req.CreatedBy, channel.ID, parentID)
			if err := uow.Messages().Create(ctx, user); err != nil {
				return nil, err
			}
			lastUser = user
			parentID = &user.ID
			continue
		}
		if lastUser == nil {
			// An AI turn with no preceding user turn has nothing to answer.
			continue
		}
		answer := models.NewAIMessageFor(lastUser)
		answer.Content = turn.Content
		answer.Status = models.MessageSuccess
		if err := uow.Messages().Create(ctx, answer); err != nil {
			return nil, err
		}
		parentID = &answer.ID
	}
	return channel, uow.Commit(ctx)
}

func handleSubmitFeedback(ctx context.Context, req SubmitFeedback, sc *bus.Scope) (*models.Feedback, error) {
	if req.Score < -1 || req.Score > 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidScore, req.Score)
	}
	uow, err := bus.Resolve[UnitOfWork](ctx, sc)
	if err != nil {
		return nil, err
	}
	message, err := uow.Messages().GetByID(ctx, req.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, req.MessageID)
	}
	if err != nil {
		return nil, err
	}
	if !message.IsAIMessage {
		return nil, fmt.Errorf("%w: %s is not an AI message", ErrMessageNotFound, message.ID)
	}
	feedback := &models.Feedback{
		MessageID: message.ID,
		UserID:    req.UserID,
		Score:     req.Score,
		Comment:   req.Comment,
	}
	// The trace sink keys scores by id, so a re-score must carry the stored
	// row's id or the sink keeps the old score alongside the new one.
	existing, err := uow.Feedback().GetByMessage(ctx, message.ID, req.UserID)
	switch {
	case err == nil:
		feedback.ID = existing.ID
	case errors.Is(err, store.ErrNotFound):
		feedback.ID = uuid.New()
	default:
		return nil, err
	}
	if err := uow.Feedback().Upsert(ctx, feedback); err != nil {
		return nil, err
	}
	if message.TraceID != "" {
		tracer, err := bus.Resolve[trace.Tracer](ctx, sc)
		if err != nil {
			return nil, err
		}
		if err := tracer.Score(ctx, req.Score, feedback.ID.String(), message.TraceID, req.Comment); err != nil {
			return nil, err
		}
	}
	return feedback, uow.Commit(ctx)
}
