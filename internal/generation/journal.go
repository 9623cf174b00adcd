package generation

import (
	"context"
	"fmt"

	"vibe/internal/chat"
	"vibe/internal/storage"

	"go.uber.org/zap"
)

const journalArgsLimit = 500

// messageJournal records each tool call as a log message on the project.
// Log messages never feed model history.
type messageJournal struct {
	store     storage.Store
	projectID string
	logger    *zap.Logger
}

func (j *messageJournal) RecordToolCall(ctx context.Context, call chat.ToolCall) error {
	args := call.Function.Arguments
	if len(args) > journalArgsLimit {
		args = args[:journalArgsLimit] + "...(truncated)"
	}
	_, err := j.store.AppendMessage(ctx, storage.Message{
		ProjectID: j.projectID,
		Role:      storage.RoleAssistant,
		Kind:      storage.KindLog,
		Content:   fmt.Sprintf("%s %s", call.Function.Name, args),
	}, nil)
	if err != nil {
		return fmt.Errorf("journal %s: %w", call.Function.Name, err)
	}
	return nil
}
