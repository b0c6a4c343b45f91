package store

import (
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"sparkgrid/pkg/domain"
)

// MemoryStore is an in-process Store with the same conditional-update
// semantics as GormStore. Used in tests and local development.
type MemoryStore struct {
	mu             sync.Mutex
	accounts       map[string]domain.Account
	transactions   map[string][]domain.UsageTransaction
	conversations  map[string]domain.Conversation
	messages       map[string]domain.Message
	convMessages   map[string][]string
	transcriptions map[string]domain.Transcription
	rollups        map[string]map[string]domain.UsageRollup
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:       make(map[string]domain.Account),
		transactions:   make(map[string][]domain.UsageTransaction),
		conversations:  make(map[string]domain.Conversation),
		messages:       make(map[string]domain.Message),
		convMessages:   make(map[string][]string),
		transcriptions: make(map[string]domain.Transcription),
		rollups:        make(map[string]map[string]domain.UsageRollup),
	}
}

func (m *MemoryStore) CreateAccount(acct domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.accounts[acct.UserID]; exists {
		return nil
	}
	m.accounts[acct.UserID] = acct
	return nil
}

func (m *MemoryStore) GetAccount(userID string) (domain.Account, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[userID]
	return acct, ok, nil
}

func (m *MemoryStore) DebitBalance(userID string, amount int64) (bool, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[userID]
	if !ok || acct.Balance < amount {
		return false, 0, nil
	}
	acct.Balance -= amount
	acct.TotalSpent += amount
	acct.UpdatedAt = time.Now().UTC()
	m.accounts[userID] = acct
	return true, acct.Balance, nil
}

func (m *MemoryStore) CreditBalance(userID string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[userID]
	if !ok {
		return 0, gorm.ErrRecordNotFound
	}
	acct.Balance += amount
	acct.TotalEarned += amount
	acct.UpdatedAt = time.Now().UTC()
	m.accounts[userID] = acct
	return acct.Balance, nil
}

func (m *MemoryStore) AddDailyUsage(userID string, weight int, day string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[userID]
	if !ok {
		return nil
	}
	if acct.LastResetDay == day {
		acct.DailyMessageCount += weight
	} else {
		acct.DailyMessageCount = weight
	}
	acct.LastResetDay = day
	acct.UpdatedAt = time.Now().UTC()
	m.accounts[userID] = acct
	return nil
}

func (m *MemoryStore) RefundDailyUsage(userID string, weight int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[userID]
	if !ok {
		return nil
	}
	acct.DailyMessageCount -= weight
	if acct.DailyMessageCount < 0 {
		acct.DailyMessageCount = 0
	}
	acct.UpdatedAt = time.Now().UTC()
	m.accounts[userID] = acct
	return nil
}

func (m *MemoryStore) ApplyDailyClaim(userID string, amount int64, now time.Time) (bool, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[userID]
	if !ok {
		return false, 0, nil
	}
	dayStart := time.Date(now.UTC().Year(), now.UTC().Month(), now.UTC().Day(), 0, 0, 0, 0, time.UTC)
	if !acct.LastClaimAt.Before(dayStart) {
		return false, 0, nil
	}
	acct.Balance += amount
	acct.TotalEarned += amount
	acct.LastClaimAt = now.UTC()
	acct.UpdatedAt = now.UTC()
	m.accounts[userID] = acct
	return true, acct.Balance, nil
}

func (m *MemoryStore) AppendTransaction(tx domain.UsageTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions[tx.UserID] = append(m.transactions[tx.UserID], tx)
	return nil
}

func (m *MemoryStore) ListTransactions(userID string, limit, offset int) ([]domain.UsageTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := append([]domain.UsageTransaction(nil), m.transactions[userID]...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) CreateConversation(conv domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[conv.ID] = conv
	return nil
}

func (m *MemoryStore) GetConversation(id string) (domain.Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	return conv, ok, nil
}

func (m *MemoryStore) ListConversationsByUser(userID string, limit int) ([]domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]domain.Conversation, 0)
	for _, conv := range m.conversations {
		if conv.UserID == userID {
			res = append(res, conv)
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		a, b := res[i].LastMessageAt, res[j].LastMessageAt
		if a == nil {
			return false
		}
		if b == nil {
			return true
		}
		return a.After(*b)
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *MemoryStore) TouchConversation(id string, lastMessageAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return nil
	}
	conv.LastMessageAt = &lastMessageAt
	conv.UpdatedAt = time.Now().UTC()
	m.conversations[id] = conv
	return nil
}

func (m *MemoryStore) AppendMessage(msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = msg
	m.convMessages[msg.ConversationID] = append(m.convMessages[msg.ConversationID], msg.ID)
	return nil
}

func (m *MemoryStore) UpdateMessageUsage(id string, promptTokens, completionTokens, totalTokens int, cost int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil
	}
	msg.PromptTokens = promptTokens
	msg.CompletionTokens = completionTokens
	msg.TotalTokens = totalTokens
	msg.Cost = cost
	msg.UpdatedAt = time.Now().UTC()
	m.messages[id] = msg
	return nil
}

func (m *MemoryStore) ListConversationMessages(conversationID string, limit int) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.convMessages[conversationID]
	res := make([]domain.Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := m.messages[id]; ok {
			res = append(res, msg)
		}
	}
	if limit > 0 && len(res) > limit {
		res = res[len(res)-limit:]
	}
	return res, nil
}

func (m *MemoryStore) CreateTranscription(tr domain.Transcription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcriptions[tr.ID] = tr
	return nil
}

func (m *MemoryStore) GetTranscription(id string) (domain.Transcription, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.transcriptions[id]
	return tr, ok, nil
}

func (m *MemoryStore) SetTranscriptionStatus(id string, status domain.TranscriptionStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.transcriptions[id]
	if !ok {
		return nil
	}
	tr.Status = status
	tr.ErrorMessage = errMsg
	tr.UpdatedAt = time.Now().UTC()
	m.transcriptions[id] = tr
	return nil
}

func (m *MemoryStore) SetTranscriptionResult(id, transcript string, cost int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.transcriptions[id]
	if !ok {
		return nil
	}
	tr.Status = domain.TranscriptionDone
	tr.Transcript = transcript
	tr.Cost = cost
	tr.ErrorMessage = ""
	tr.UpdatedAt = time.Now().UTC()
	m.transcriptions[id] = tr
	return nil
}

func (m *MemoryStore) AddUsageRollup(userID, day string, sparks, tokens int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byDay, ok := m.rollups[userID]
	if !ok {
		byDay = make(map[string]domain.UsageRollup)
		m.rollups[userID] = byDay
	}
	roll := byDay[day]
	roll.UserID = userID
	roll.Day = day
	roll.SparksSpent += sparks
	roll.TotalTokens += tokens
	roll.Turns++
	roll.UpdatedAt = time.Now().UTC()
	byDay[day] = roll
	return nil
}

func (m *MemoryStore) ListUsageRollups(userID string, days int) ([]domain.UsageRollup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]domain.UsageRollup, 0, len(m.rollups[userID]))
	for _, roll := range m.rollups[userID] {
		res = append(res, roll)
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].Day > res[j].Day })
	if days > 0 && len(res) > days {
		res = res[:days]
	}
	return res, nil
}
