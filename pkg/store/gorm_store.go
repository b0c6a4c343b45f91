package store

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sparkgrid/pkg/domain"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(
		&AccountModel{},
		&TransactionModel{},
		&ConversationModel{},
		&MessageModel{},
		&TranscriptionModel{},
		&UsageRollupModel{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// CreateAccount inserts a new account row; existing rows are left alone.
func (s *GormStore) CreateAccount(acct domain.Account) error {
	model := accountToModel(acct)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&model).Error
}

// GetAccount returns an account by user id.
func (s *GormStore) GetAccount(userID string) (domain.Account, bool, error) {
	var model AccountModel
	if err := s.db.First(&model, "user_id = ?", userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Account{}, false, nil
		}
		return domain.Account{}, false, err
	}
	return accountFromModel(model), true, nil
}

// DebitBalance applies "balance = balance - n where balance >= n" as one
// statement and reports whether it took effect.
func (s *GormStore) DebitBalance(userID string, amount int64) (bool, int64, error) {
	var newBalance int64
	res := s.db.Raw(
		`UPDATE account_models
		 SET balance = balance - ?, total_spent = total_spent + ?, updated_at = ?
		 WHERE user_id = ? AND balance >= ?
		 RETURNING balance`,
		amount, amount, time.Now().UTC(), userID, amount,
	).Scan(&newBalance)
	if res.Error != nil {
		return false, 0, res.Error
	}
	if res.RowsAffected == 0 {
		return false, 0, nil
	}
	return true, newBalance, nil
}

// CreditBalance grants sparks unconditionally.
func (s *GormStore) CreditBalance(userID string, amount int64) (int64, error) {
	var newBalance int64
	res := s.db.Raw(
		`UPDATE account_models
		 SET balance = balance + ?, total_earned = total_earned + ?, updated_at = ?
		 WHERE user_id = ?
		 RETURNING balance`,
		amount, amount, time.Now().UTC(), userID,
	).Scan(&newBalance)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, gorm.ErrRecordNotFound
	}
	return newBalance, nil
}

// AddDailyUsage adds weight to the daily counter. The reset happens in
// the same statement: when the stored reset day differs, the counter
// restarts at weight instead of accumulating.
func (s *GormStore) AddDailyUsage(userID string, weight int, day string) error {
	return s.db.Exec(
		`UPDATE account_models
		 SET daily_message_count = CASE WHEN last_reset_day = ? THEN daily_message_count + ? ELSE ? END,
		     last_reset_day = ?, updated_at = ?
		 WHERE user_id = ?`,
		day, weight, weight, day, time.Now().UTC(), userID,
	).Error
}

// RefundDailyUsage undoes a quota increment, never dropping below zero
// and never touching the reset day.
func (s *GormStore) RefundDailyUsage(userID string, weight int) error {
	return s.db.Exec(
		`UPDATE account_models
		 SET daily_message_count = GREATEST(daily_message_count - ?, 0), updated_at = ?
		 WHERE user_id = ?`,
		weight, time.Now().UTC(), userID,
	).Error
}

// ApplyDailyClaim grants the daily bonus at most once per UTC calendar
// day. The date gate and the credit are one statement, so concurrent
// claims cannot double-grant.
func (s *GormStore) ApplyDailyClaim(userID string, amount int64, now time.Time) (bool, int64, error) {
	dayStart := time.Date(now.UTC().Year(), now.UTC().Month(), now.UTC().Day(), 0, 0, 0, 0, time.UTC)
	var newBalance int64
	res := s.db.Raw(
		`UPDATE account_models
		 SET balance = balance + ?, total_earned = total_earned + ?, last_claim_at = ?, updated_at = ?
		 WHERE user_id = ? AND last_claim_at < ?
		 RETURNING balance`,
		amount, amount, now.UTC(), now.UTC(), userID, dayStart,
	).Scan(&newBalance)
	if res.Error != nil {
		return false, 0, res.Error
	}
	if res.RowsAffected == 0 {
		return false, 0, nil
	}
	return true, newBalance, nil
}

// AppendTransaction records an immutable ledger entry.
func (s *GormStore) AppendTransaction(tx domain.UsageTransaction) error {
	model, err := transactionToModel(tx)
	if err != nil {
		return err
	}
	return s.db.Create(&model).Error
}

// ListTransactions returns ledger entries newest first.
func (s *GormStore) ListTransactions(userID string, limit, offset int) ([]domain.UsageTransaction, error) {
	var models []TransactionModel
	if err := s.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.UsageTransaction, 0, len(models))
	for _, m := range models {
		res = append(res, transactionFromModel(m))
	}
	return res, nil
}

// CreateConversation inserts a conversation.
func (s *GormStore) CreateConversation(conv domain.Conversation) error {
	model := ConversationModel{
		ID:            conv.ID,
		UserID:        conv.UserID,
		Title:         conv.Title,
		LastMessageAt: conv.LastMessageAt,
		CreatedAt:     conv.CreatedAt,
		UpdatedAt:     conv.UpdatedAt,
	}
	return s.db.Create(&model).Error
}

// GetConversation retrieves a conversation.
func (s *GormStore) GetConversation(id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// ListConversationsByUser returns the most recently active conversations.
func (s *GormStore) ListConversationsByUser(userID string, limit int) ([]domain.Conversation, error) {
	var models []ConversationModel
	if err := s.db.Where("user_id = ?", userID).
		Order("last_message_at DESC NULLS LAST").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Conversation, 0, len(models))
	for _, m := range models {
		res = append(res, conversationFromModel(m))
	}
	return res, nil
}

// TouchConversation bumps the activity timestamp.
func (s *GormStore) TouchConversation(id string, lastMessageAt time.Time) error {
	return s.db.Model(&ConversationModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_message_at": lastMessageAt,
			"updated_at":      time.Now().UTC(),
		}).Error
}

// AppendMessage records a message row.
func (s *GormStore) AppendMessage(msg domain.Message) error {
	model := messageToModel(msg)
	return s.db.Create(&model).Error
}

// UpdateMessageUsage fills in final token counts and cost once known.
func (s *GormStore) UpdateMessageUsage(id string, promptTokens, completionTokens, totalTokens int, cost int64) error {
	return s.db.Model(&MessageModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      totalTokens,
			"cost":              cost,
			"updated_at":        time.Now().UTC(),
		}).Error
}

// ListConversationMessages returns messages in chronological order.
func (s *GormStore) ListConversationMessages(conversationID string, limit int) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Message, 0, len(models))
	for _, m := range models {
		res = append(res, messageFromModel(m))
	}
	return res, nil
}

// CreateTranscription inserts a queued transcription row.
func (s *GormStore) CreateTranscription(tr domain.Transcription) error {
	model := TranscriptionModel{
		ID:        tr.ID,
		UserID:    tr.UserID,
		ObjectKey: tr.ObjectKey,
		MimeType:  tr.MimeType,
		SizeBytes: tr.SizeBytes,
		Status:    string(tr.Status),
		CreatedAt: tr.CreatedAt,
		UpdatedAt: tr.UpdatedAt,
	}
	return s.db.Create(&model).Error
}

// GetTranscription retrieves a transcription by id.
func (s *GormStore) GetTranscription(id string) (domain.Transcription, bool, error) {
	var model TranscriptionModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Transcription{}, false, nil
		}
		return domain.Transcription{}, false, err
	}
	return transcriptionFromModel(model), true, nil
}

// SetTranscriptionStatus updates the processing state.
func (s *GormStore) SetTranscriptionStatus(id string, status domain.TranscriptionStatus, errMsg string) error {
	return s.db.Model(&TranscriptionModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        string(status),
			"error_message": errMsg,
			"updated_at":    time.Now().UTC(),
		}).Error
}

// SetTranscriptionResult stores the transcript and its charge.
func (s *GormStore) SetTranscriptionResult(id, transcript string, cost int64) error {
	return s.db.Model(&TranscriptionModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        string(domain.TranscriptionDone),
			"transcript":    transcript,
			"cost":          cost,
			"error_message": "",
			"updated_at":    time.Now().UTC(),
		}).Error
}

// AddUsageRollup folds one committed charge into the per-day aggregate.
func (s *GormStore) AddUsageRollup(userID, day string, sparks, tokens int64) error {
	model := UsageRollupModel{
		UserID:      userID,
		Day:         day,
		SparksSpent: sparks,
		TotalTokens: tokens,
		Turns:       1,
		UpdatedAt:   time.Now().UTC(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "day"}},
		DoUpdates: clause.Assignments(map[string]any{
			"sparks_spent": gorm.Expr("usage_rollup_models.sparks_spent + ?", sparks),
			"total_tokens": gorm.Expr("usage_rollup_models.total_tokens + ?", tokens),
			"turns":        gorm.Expr("usage_rollup_models.turns + 1"),
			"updated_at":   time.Now().UTC(),
		}),
	}).Create(&model).Error
}

// ListUsageRollups returns the most recent daily aggregates.
func (s *GormStore) ListUsageRollups(userID string, days int) ([]domain.UsageRollup, error) {
	var models []UsageRollupModel
	if err := s.db.Where("user_id = ?", userID).
		Order("day DESC").
		Limit(days).
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.UsageRollup, 0, len(models))
	for _, m := range models {
		res = append(res, domain.UsageRollup{
			UserID:      m.UserID,
			Day:         m.Day,
			SparksSpent: m.SparksSpent,
			TotalTokens: m.TotalTokens,
			Turns:       m.Turns,
			UpdatedAt:   m.UpdatedAt,
		})
	}
	return res, nil
}

func accountToModel(a domain.Account) AccountModel {
	return AccountModel{
		UserID:            a.UserID,
		Tier:              string(a.Tier),
		DailyMessageCount: a.DailyMessageCount,
		LastResetDay:      a.LastResetDay,
		Balance:           a.Balance,
		TotalEarned:       a.TotalEarned,
		TotalSpent:        a.TotalSpent,
		LastClaimAt:       a.LastClaimAt,
		Verified:          a.Verified,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

func accountFromModel(m AccountModel) domain.Account {
	return domain.Account{
		UserID:            m.UserID,
		Tier:              domain.Tier(m.Tier),
		DailyMessageCount: m.DailyMessageCount,
		LastResetDay:      m.LastResetDay,
		Balance:           m.Balance,
		TotalEarned:       m.TotalEarned,
		TotalSpent:        m.TotalSpent,
		LastClaimAt:       m.LastClaimAt,
		Verified:          m.Verified,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func transactionToModel(tx domain.UsageTransaction) (TransactionModel, error) {
	model := TransactionModel{
		ID:              tx.ID,
		UserID:          tx.UserID,
		Type:            string(tx.Type),
		Amount:          tx.Amount,
		BalanceAfter:    tx.BalanceAfter,
		ModelUsed:       tx.ModelUsed,
		EstimatedTokens: tx.EstimatedTokens,
		MessageRef:      tx.MessageRef,
		CreatedAt:       tx.CreatedAt,
	}
	if len(tx.Metadata) > 0 {
		raw, err := json.Marshal(tx.Metadata)
		if err != nil {
			return model, fmt.Errorf("marshal transaction metadata: %w", err)
		}
		model.Metadata = datatypes.JSON(raw)
	}
	return model, nil
}

func transactionFromModel(m TransactionModel) domain.UsageTransaction {
	tx := domain.UsageTransaction{
		ID:              m.ID,
		UserID:          m.UserID,
		Type:            domain.TransactionType(m.Type),
		Amount:          m.Amount,
		BalanceAfter:    m.BalanceAfter,
		ModelUsed:       m.ModelUsed,
		EstimatedTokens: m.EstimatedTokens,
		MessageRef:      m.MessageRef,
		CreatedAt:       m.CreatedAt,
	}
	if len(m.Metadata) > 0 {
		meta := map[string]string{}
		if err := json.Unmarshal(m.Metadata, &meta); err == nil {
			tx.Metadata = meta
		}
	}
	return tx
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	return domain.Conversation{
		ID:            m.ID,
		UserID:        m.UserID,
		Title:         m.Title,
		LastMessageAt: m.LastMessageAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	return MessageModel{
		ID:               msg.ID,
		ConversationID:   msg.ConversationID,
		UserID:           msg.UserID,
		Role:             msg.Role,
		Content:          msg.Content,
		ModelUsed:        msg.ModelUsed,
		PromptTokens:     msg.PromptTokens,
		CompletionTokens: msg.CompletionTokens,
		TotalTokens:      msg.TotalTokens,
		Cost:             msg.Cost,
		CreatedAt:        msg.CreatedAt,
		UpdatedAt:        msg.UpdatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:               m.ID,
		ConversationID:   m.ConversationID,
		UserID:           m.UserID,
		Role:             m.Role,
		Content:          m.Content,
		ModelUsed:        m.ModelUsed,
		PromptTokens:     m.PromptTokens,
		CompletionTokens: m.CompletionTokens,
		TotalTokens:      m.TotalTokens,
		Cost:             m.Cost,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func transcriptionFromModel(m TranscriptionModel) domain.Transcription {
	return domain.Transcription{
		ID:           m.ID,
		UserID:       m.UserID,
		ObjectKey:    m.ObjectKey,
		MimeType:     m.MimeType,
		SizeBytes:    m.SizeBytes,
		Status:       domain.TranscriptionStatus(m.Status),
		Transcript:   m.Transcript,
		Cost:         m.Cost,
		ErrorMessage: m.ErrorMessage,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}
