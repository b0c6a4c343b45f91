package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"sparkgrid/pkg/ai"
	"sparkgrid/pkg/billing"
	"sparkgrid/pkg/domain"
	"sparkgrid/pkg/pricing"
	"sparkgrid/pkg/queue"
	"sparkgrid/pkg/storage"
	"sparkgrid/pkg/store"
)

const (
	defaultHistoryLimit  = 20
	defaultMaxAudioBytes = 20 << 20

	// Reply persisted when generation fails or produces nothing. The
	// reserved quota slot is refunded alongside.
	failedReplyText = "Sorry, I could not generate a reply this time. This turn was not counted against your daily limit."
)

// Generator produces streamed model replies. *ai.GeminiClient satisfies it.
type Generator interface {
	StreamGenerate(ctx context.Context, model string, turns []ai.Turn, useSearch bool, onDelta func(string) error) (ai.Usage, error)
}

// Config wires the app's dependencies.
type Config struct {
	Store        store.Store
	Meter        *billing.Meter
	Generator    Generator
	Objects      storage.ObjectStore
	Jobs         *queue.TranscriptionQueue
	DefaultModel string
	HistoryLimit int
	MaxAudioSize int64
}

// App implements the chat turn flow and transcription intake.
type App struct {
	store        store.Store
	meter        *billing.Meter
	generator    Generator
	objects      storage.ObjectStore
	jobs         *queue.TranscriptionQueue
	defaultModel string
	historyLimit int
	maxAudioSize int64
	now          func() time.Time
}

// New constructs the app core.
func New(cfg Config) *App {
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	maxAudioSize := cfg.MaxAudioSize
	if maxAudioSize <= 0 {
		maxAudioSize = defaultMaxAudioBytes
	}
	return &App{
		store:        cfg.Store,
		meter:        cfg.Meter,
		generator:    cfg.Generator,
		objects:      cfg.Objects,
		jobs:         cfg.Jobs,
		defaultModel: cfg.DefaultModel,
		historyLimit: historyLimit,
		maxAudioSize: maxAudioSize,
		now:          time.Now,
	}
}

// EnsureAccount creates the wallet row on first contact. Existing rows
// are left untouched.
func (a *App) EnsureAccount(ctx context.Context, userID string, verified bool) error {
	now := a.now().UTC()
	return a.store.CreateAccount(domain.Account{
		UserID:       userID,
		Tier:         domain.TierBasic,
		LastResetDay: a.now().Format("2006-01-02"),
		Verified:     verified,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

// TurnRequest is one user turn in a conversation.
type TurnRequest struct {
	ConversationID string `json:"conversationId"`
	Prompt         string `json:"prompt"`
	Model          string `json:"model"`
	UseSearch      bool   `json:"useSearch"`
}

// TurnResult reports the completed turn, including what it cost.
type TurnResult struct {
	ConversationID   string `json:"conversationId"`
	UserMessageID    string `json:"userMessageId"`
	MessageID        string `json:"messageId"`
	Reply            string `json:"reply"`
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
	TotalTokens      int    `json:"totalTokens"`
	Cost             int64  `json:"cost"`
	Charged          bool   `json:"charged"`
	Refunded         bool   `json:"refunded"`
}

// StreamTurn runs one metered chat turn: quota check and reservation,
// generation with streamed deltas, then the post-generation charge from
// actual token usage. Failed or empty generations refund the quota slot
// and persist an apology reply instead; the balance is never charged
// for them.
func (a *App) StreamTurn(ctx context.Context, userID string, req TurnRequest, onDelta func(string) error) (TurnResult, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return TurnResult{}, ErrEmptyPrompt
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = a.defaultModel
	}

	conv, history, err := a.resolveConversation(userID, req.ConversationID, prompt)
	if err != nil {
		return TurnResult{}, err
	}

	promptTokens := pricing.EstimateTokens(prompt)
	for _, msg := range history {
		promptTokens += pricing.EstimateTokens(msg.Content)
	}

	reservation, err := a.meter.CheckAndReserve(ctx, userID, model, promptTokens, req.UseSearch)
	if err != nil {
		return TurnResult{}, err
	}

	now := a.now().UTC()
	userMsg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		UserID:         userID,
		Role:           "user",
		Content:        prompt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := a.store.AppendMessage(userMsg); err != nil {
		return TurnResult{}, fmt.Errorf("persist user message: %w", err)
	}

	turns := make([]ai.Turn, 0, len(history)+1)
	for _, msg := range history {
		turns = append(turns, ai.Turn{Role: msg.Role, Text: msg.Content})
	}
	turns = append(turns, ai.Turn{Role: "user", Text: prompt})

	var reply strings.Builder
	usage, genErr := a.generator.StreamGenerate(ctx, model, turns, req.UseSearch, func(delta string) error {
		reply.WriteString(delta)
		if onDelta != nil {
			return onDelta(delta)
		}
		return nil
	})

	if genErr != nil || strings.TrimSpace(reply.String()) == "" {
		cause := "empty_reply"
		if genErr != nil {
			cause = "generation_error"
			if ctx.Err() != nil {
				cause = "client_disconnect"
			}
		}
		if err := a.meter.RefundQuota(context.WithoutCancel(ctx), userID, reservation.Weight, cause); err != nil {
			return TurnResult{}, err
		}
		apology := a.appendAssistantMessage(conv.ID, userID, model, failedReplyText)
		return TurnResult{
			ConversationID: conv.ID,
			UserMessageID:  userMsg.ID,
			MessageID:      apology.ID,
			Reply:          failedReplyText,
			Refunded:       true,
		}, nil
	}

	assistant := a.appendAssistantMessage(conv.ID, userID, model, reply.String())

	commit, err := a.meter.Commit(context.WithoutCancel(ctx), userID, model, usage.PromptTokenCount, usage.CandidatesTokenCount, req.UseSearch, assistant.ID)
	if err != nil {
		return TurnResult{}, err
	}
	totalTokens := usage.TotalTokenCount
	if totalTokens == 0 {
		totalTokens = usage.PromptTokenCount + usage.CandidatesTokenCount
	}
	if err := a.store.UpdateMessageUsage(assistant.ID, usage.PromptTokenCount, usage.CandidatesTokenCount, totalTokens, commit.Cost); err != nil {
		return TurnResult{}, fmt.Errorf("record message usage: %w", err)
	}

	return TurnResult{
		ConversationID:   conv.ID,
		UserMessageID:    userMsg.ID,
		MessageID:        assistant.ID,
		Reply:            reply.String(),
		PromptTokens:     usage.PromptTokenCount,
		CompletionTokens: usage.CandidatesTokenCount,
		TotalTokens:      totalTokens,
		Cost:             commit.Cost,
		Charged:          commit.Charged,
	}, nil
}

func (a *App) resolveConversation(userID, conversationID, prompt string) (domain.Conversation, []domain.Message, error) {
	if conversationID == "" {
		now := a.now().UTC()
		conv := domain.Conversation{
			ID:        uuid.NewString(),
			UserID:    userID,
			Title:     deriveTitle(prompt),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := a.store.CreateConversation(conv); err != nil {
			return domain.Conversation{}, nil, fmt.Errorf("create conversation: %w", err)
		}
		return conv, nil, nil
	}

	conv, ok, err := a.store.GetConversation(conversationID)
	if err != nil {
		return domain.Conversation{}, nil, fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		return domain.Conversation{}, nil, ErrConversationNotFound
	}
	if conv.UserID != userID {
		return domain.Conversation{}, nil, ErrNotConversationOwner
	}
	history, err := a.store.ListConversationMessages(conv.ID, a.historyLimit)
	if err != nil {
		return domain.Conversation{}, nil, fmt.Errorf("load history: %w", err)
	}
	return conv, history, nil
}

func (a *App) appendAssistantMessage(conversationID, userID, model, content string) domain.Message {
	now := a.now().UTC()
	msg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		UserID:         userID,
		Role:           "assistant",
		Content:        content,
		ModelUsed:      model,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	// Losing the reply after a successful generation is worse than a
	// stray log line, so persistence errors here do not fail the turn.
	_ = a.store.AppendMessage(msg)
	_ = a.store.TouchConversation(conversationID, now)
	return msg
}

// ListConversations returns the user's conversations, most recent first.
func (a *App) ListConversations(ctx context.Context, userID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	return a.store.ListConversationsByUser(userID, limit)
}

// ListMessages returns a conversation's messages after an ownership check.
func (a *App) ListMessages(ctx context.Context, userID, conversationID string, limit int) ([]domain.Message, error) {
	conv, ok, err := a.store.GetConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		return nil, ErrConversationNotFound
	}
	if conv.UserID != userID {
		return nil, ErrNotConversationOwner
	}
	if limit <= 0 {
		limit = 200
	}
	return a.store.ListConversationMessages(conversationID, limit)
}

// SubmitTranscription checks affordability, stores the audio blob and
// queues the transcription job. The daily message quota is not touched;
// transcriptions spend sparks only, charged by the worker on completion.
func (a *App) SubmitTranscription(ctx context.Context, userID, model string, audio io.Reader, size int64, mimeType string) (domain.Transcription, error) {
	if a.objects == nil || a.jobs == nil {
		return domain.Transcription{}, ErrUploadsDisabled
	}
	if size <= 0 || size > a.maxAudioSize {
		return domain.Transcription{}, ErrAudioTooLarge
	}
	if model == "" {
		model = a.defaultModel
	}

	// Rough affordability gate; the worker commits the real cost from
	// actual token usage.
	estimatedTokens := int(size/1024) + 1
	if _, err := a.meter.PrecheckBalance(ctx, userID, model, estimatedTokens, false); err != nil {
		return domain.Transcription{}, err
	}

	now := a.now().UTC()
	tr := domain.Transcription{
		ID:        uuid.NewString(),
		UserID:    userID,
		ObjectKey: "audio/" + uuid.NewString(),
		MimeType:  mimeType,
		SizeBytes: size,
		Status:    domain.TranscriptionQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.objects.Put(ctx, tr.ObjectKey, audio, size, mimeType); err != nil {
		return domain.Transcription{}, fmt.Errorf("store audio: %w", err)
	}
	if err := a.store.CreateTranscription(tr); err != nil {
		return domain.Transcription{}, fmt.Errorf("create transcription: %w", err)
	}
	if _, err := a.jobs.Enqueue(ctx, tr.ID, userID); err != nil {
		_ = a.store.SetTranscriptionStatus(tr.ID, domain.TranscriptionFailed, "enqueue failed")
		return domain.Transcription{}, fmt.Errorf("enqueue transcription: %w", err)
	}
	return tr, nil
}

// GetTranscription returns a transcription after an ownership check.
func (a *App) GetTranscription(ctx context.Context, userID, id string) (domain.Transcription, error) {
	tr, ok, err := a.store.GetTranscription(id)
	if err != nil {
		return domain.Transcription{}, fmt.Errorf("load transcription: %w", err)
	}
	if !ok || tr.UserID != userID {
		return domain.Transcription{}, ErrTranscriptionNotFound
	}
	return tr, nil
}

func deriveTitle(prompt string) string {
	const maxTitle = 48
	title := strings.Join(strings.Fields(prompt), " ")
	if len(title) <= maxTitle {
		return title
	}
	cut := strings.LastIndex(title[:maxTitle], " ")
	if cut <= 0 {
		cut = maxTitle
	}
	return title[:cut] + "…"
}
