package chat

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/suPer8Hu/supportdesk/internal/apperr"
	"github.com/suPer8Hu/supportdesk/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repo is the only component that touches the conversation tables.
// Missing rows come back as apperr NotFound; every other error is returned as is.
type Repo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(what)
	}
	return err
}

func staffRoles() []models.Role    { return []models.Role{models.RoleAgent, models.RoleAdmin} }
func customerRoles() []models.Role { return []models.Role{models.RoleCustomer} }

// ---- users ----

func (r *Repo) GetUser(ctx context.Context, id uint64) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, notFound(err, "user")
	}
	return &u, nil
}

func (r *Repo) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&u).Error; err != nil {
		return nil, notFound(err, "user")
	}
	return &u, nil
}

// CreateUser returns the driver error untouched so callers can fall back on a unique race.
func (r *Repo) CreateUser(ctx context.Context, u *models.User) error {
	return r.db.WithContext(ctx).Create(u).Error
}

func (r *Repo) GetUsers(ctx context.Context, ids []uint64) (map[uint64]*models.User, error) {
	out := make(map[uint64]*models.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var users []models.User
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	for i := range users {
		out[users[i].ID] = &users[i]
	}
	return out, nil
}

// FirstStaff returns the oldest registered AGENT, or the oldest ADMIN when there is
// no agent yet. Synthetic accounts are ignored.
func (r *Repo) FirstStaff(ctx context.Context) (*models.User, error) {
	for _, role := range []models.Role{models.RoleAgent, models.RoleAdmin} {
		var u models.User
		err := r.db.WithContext(ctx).
			Where("role = ? AND external_origin = ?", role, models.OriginNone).
			Order("id ASC").
			First(&u).Error
		if err == nil {
			return &u, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, apperr.NotFound("staff user")
}

func (r *Repo) ListStaff(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := r.db.WithContext(ctx).
		Where("role IN ?", staffRoles()).
		Order("id ASC").
		Find(&users).Error
	return users, err
}

func (r *Repo) SetUserPresence(ctx context.Context, userID uint64, online bool, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{"is_online": online, "last_seen": at}).Error
}

// ---- conversations ----

type CreateOptions struct {
	Channel   string
	Name      string
	VisitorID *string
	Priority  Priority
	// Agent, when set, is added as a participant of a newly created conversation.
	Agent *models.User
}

func contactKey(contactID uint64) string {
	return strconv.FormatUint(contactID, 10)
}

func participantRole(u *models.User) string {
	switch u.Role {
	case models.RoleAdmin:
		return "admin"
	case models.RoleAgent:
		return "agent"
	default:
		return "customer"
	}
}

func (r *Repo) findActiveByContact(ctx context.Context, contactID uint64) (*Conversation, error) {
	var c Conversation
	err := r.db.WithContext(ctx).
		Where("active_contact_key = ?", contactKey(contactID)).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetOrCreateConversation returns the contact's active conversation, creating it
// (with the contact and opts.Agent as participants) when none exists. The bool
// reports whether this call created it.
func (r *Repo) GetOrCreateConversation(ctx context.Context, contact *models.User, opts CreateOptions) (*Conversation, bool, error) {
	if existing, err := r.findActiveByContact(ctx, contact.ID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	priority := opts.Priority
	if !priority.Valid() {
		priority = PriorityMedium
	}
	key := contactKey(contact.ID)
	now := r.now()
	conv := &Conversation{
		Type:             TypeDirect,
		Name:             opts.Name,
		Channel:          opts.Channel,
		ContactID:        contact.ID,
		VisitorID:        opts.VisitorID,
		Status:           StatusOpen,
		Priority:         priority,
		IsActive:         true,
		ActiveContactKey: &key,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(conv).Error; err != nil {
			return err
		}
		parts := []Participant{{
			ConversationID: conv.ID,
			UserID:         contact.ID,
			Role:           participantRole(contact),
			JoinedAt:       now,
		}}
		if opts.Agent != nil && opts.Agent.ID != contact.ID {
			parts = append(parts, Participant{
				ConversationID: conv.ID,
				UserID:         opts.Agent.ID,
				Role:           participantRole(opts.Agent),
				JoinedAt:       now,
			})
		}
		return tx.Create(&parts).Error
	})
	if err == nil {
		return conv, true, nil
	}

	// lost the race on active_contact_key: the winner's row is the conversation
	existing, getErr := r.findActiveByContact(ctx, contact.ID)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

func (r *Repo) GetConversation(ctx context.Context, id uint64) (*Conversation, error) {
	var c Conversation
	if err := r.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, notFound(err, "conversation")
	}
	return &c, nil
}

type ConversationFilter struct {
	Status     Status
	Channel    string
	Priority   Priority
	AssignedTo *uint64
	Unassigned bool
	ActiveOnly bool
	Limit      int
	Offset     int
}

func (f ConversationFilter) apply(q *gorm.DB) *gorm.DB {
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Channel != "" {
		q = q.Where("channel = ?", f.Channel)
	}
	if f.Priority != "" {
		q = q.Where("priority = ?", f.Priority)
	}
	if f.Unassigned {
		q = q.Where("assigned_to IS NULL")
	} else if f.AssignedTo != nil {
		q = q.Where("assigned_to = ?", *f.AssignedTo)
	}
	if f.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}
	return q
}

// ListConversations returns conversations most recently touched first, plus the
// total matching the filter.
func (r *Repo) ListConversations(ctx context.Context, f ConversationFilter) ([]Conversation, int64, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 20
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	var total int64
	if err := f.apply(r.db.WithContext(ctx).Model(&Conversation{})).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var convs []Conversation
	err := f.apply(r.db.WithContext(ctx)).
		Order("updated_at DESC").
		Order("id DESC").
		Limit(f.Limit).
		Offset(f.Offset).
		Find(&convs).Error
	if err != nil {
		return nil, 0, err
	}
	return convs, total, nil
}

func (r *Repo) CountConversations(ctx context.Context, f ConversationFilter) (int64, error) {
	var n int64
	err := f.apply(r.db.WithContext(ctx).Model(&Conversation{})).Count(&n).Error
	return n, err
}

// TouchConversation bumps updated_at, which drives dashboard ordering.
func (r *Repo) TouchConversation(ctx context.Context, id uint64) error {
	res := r.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ?", id).
		Update("updated_at", r.now())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("conversation")
	}
	return nil
}

// SetStatus moves the conversation from one status to another in a single
// conditional statement. It reports false when the conversation was not in from.
func (r *Repo) SetStatus(ctx context.Context, id uint64, from, to Status) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": r.now()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// AssignIfUnassigned sets assigned_to only while it is still NULL.
func (r *Repo) AssignIfUnassigned(ctx context.Context, id, agentID uint64) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ? AND assigned_to IS NULL", id).
		Updates(map[string]any{"assigned_to": agentID, "updated_at": r.now()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SetAssignee overwrites assigned_to unless it already holds agentID.
// Concurrent callers resolve as last write wins.
func (r *Repo) SetAssignee(ctx context.Context, id, agentID uint64) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ? AND (assigned_to IS NULL OR assigned_to <> ?)", id, agentID).
		Updates(map[string]any{"assigned_to": agentID, "updated_at": r.now()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repo) SetPriority(ctx context.Context, id uint64, p Priority) error {
	res := r.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ?", id).
		Updates(map[string]any{"priority": p, "updated_at": r.now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("conversation")
	}
	return nil
}

// ---- participants ----

// AddParticipant joins the user, or rejoins a user who had left.
func (r *Repo) AddParticipant(ctx context.Context, conversationID uint64, u *models.User) error {
	p := Participant{
		ConversationID: conversationID,
		UserID:         u.ID,
		Role:           participantRole(u),
		JoinedAt:       r.now(),
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"joined_at", "left_at"}),
	}).Create(&p).Error
}

// LeaveConversation marks the user as left. When nobody is left in the conversation
// it is deactivated and releases its contact key; the bool reports that.
func (r *Repo) LeaveConversation(ctx context.Context, conversationID, userID uint64) (bool, error) {
	deactivated := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Participant{}).
			Where("conversation_id = ? AND user_id = ? AND left_at IS NULL", conversationID, userID).
			Update("left_at", r.now())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.NotFound("participant")
		}

		var remaining int64
		if err := tx.Model(&Participant{}).
			Where("conversation_id = ? AND left_at IS NULL", conversationID).
			Count(&remaining).Error; err != nil {
			return err
		}
		if remaining > 0 {
			return nil
		}
		deactivated = true
		return tx.Model(&Conversation{}).
			Where("id = ?", conversationID).
			Updates(map[string]any{"is_active": false, "active_contact_key": nil}).Error
	})
	return deactivated, err
}

func (r *Repo) IsActiveParticipant(ctx context.Context, conversationID, userID uint64) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Participant{}).
		Where("conversation_id = ? AND user_id = ? AND left_at IS NULL", conversationID, userID).
		Count(&n).Error
	return n > 0, err
}

func (r *Repo) ActiveParticipants(ctx context.Context, conversationID uint64) ([]Participant, error) {
	var parts []Participant
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND left_at IS NULL", conversationID).
		Order("id ASC").
		Find(&parts).Error
	return parts, err
}

// ConversationIDsForUser lists conversations the user is currently in.
func (r *Repo) ConversationIDsForUser(ctx context.Context, userID uint64) ([]uint64, error) {
	var ids []uint64
	err := r.db.WithContext(ctx).Model(&Participant{}).
		Where("user_id = ? AND left_at IS NULL", userID).
		Pluck("conversation_id", &ids).Error
	return ids, err
}

// ---- messages ----

type AppendParams struct {
	ConversationID uint64
	SenderID       uint64
	Content        string
	Type           MessageType
	Metadata       map[string]any
	FileURL        string
	FileName       string
	FileSize       int64
	FileMime       string
}

// AppendMessage persists a message and touches its conversation in one transaction.
func (r *Repo) AppendMessage(ctx context.Context, p AppendParams) (*Message, error) {
	if p.Type == "" {
		p.Type = MessageText
	}
	msg := &Message{
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		Content:        p.Content,
		Type:           p.Type,
		FileURL:        p.FileURL,
		FileName:       p.FileName,
		FileSize:       p.FileSize,
		FileMime:       p.FileMime,
		CreatedAt:      r.now(),
	}
	if len(p.Metadata) > 0 {
		msg.Metadata = datatypes.JSONMap(p.Metadata)
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Conversation{}).
			Where("id = ?", p.ConversationID).
			Update("updated_at", msg.CreatedAt)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.NotFound("conversation")
		}
		return tx.Create(msg).Error
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *Repo) GetMessage(ctx context.Context, id uint64) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, notFound(err, "message")
	}
	return &m, nil
}

// ListMessages returns messages in DESC id order (newest -> oldest).
func (r *Repo) ListMessages(ctx context.Context, conversationID uint64, limit int, beforeID uint64) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	q := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id DESC").
		Limit(limit)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Repo) LastMessage(ctx context.Context, conversationID uint64) (*Message, error) {
	var m Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id DESC").
		First(&m).Error
	if err != nil {
		return nil, notFound(err, "message")
	}
	return &m, nil
}

// CountUnread counts messages sent by the opposing side that no user of the
// viewer's side has read yet. It is not a per-user count.
func (r *Repo) CountUnread(ctx context.Context, conversationID uint64, forRole models.Role) (int64, error) {
	senders, readers := customerRoles(), staffRoles()
	if !forRole.IsStaff() {
		senders, readers = staffRoles(), customerRoles()
	}

	readBySide := r.db.Table("message_reads AS mr").
		Select("1").
		Joins("JOIN users AS ru ON ru.id = mr.user_id").
		Where("mr.message_id = m.id AND ru.role IN ?", readers)

	var n int64
	err := r.db.WithContext(ctx).Table("messages AS m").
		Joins("JOIN users AS su ON su.id = m.sender_id").
		Where("m.conversation_id = ? AND su.role IN ?", conversationID, senders).
		Where("NOT EXISTS (?)", readBySide).
		Count(&n).Error
	return n, err
}

// ---- read receipts ----

// MarkRead records that userID has seen messageID. A repeated call returns the
// existing receipt with created=false.
func (r *Repo) MarkRead(ctx context.Context, messageID, userID uint64) (*MessageRead, bool, error) {
	msg, err := r.GetMessage(ctx, messageID)
	if err != nil {
		return nil, false, err
	}

	read := &MessageRead{
		MessageID:      messageID,
		UserID:         userID,
		ConversationID: msg.ConversationID,
		ReadAt:         r.now(),
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(read)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected > 0 {
		return read, true, nil
	}

	var existing MessageRead
	if err := r.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ?", messageID, userID).
		First(&existing).Error; err != nil {
		return nil, false, notFound(err, "message read")
	}
	return &existing, false, nil
}

// MarkConversationRead records receipts for every message from other senders the
// user has not read yet, returning the newly read messages' ids.
func (r *Repo) MarkConversationRead(ctx context.Context, conversationID, userID uint64) ([]uint64, error) {
	var ids []uint64
	err := r.db.WithContext(ctx).Model(&Message{}).
		Where("conversation_id = ? AND sender_id <> ?", conversationID, userID).
		Where("NOT EXISTS (?)", r.db.Model(&MessageRead{}).
			Select("1").
			Where("message_reads.message_id = messages.id AND message_reads.user_id = ?", userID)).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return nil, err
	}

	now := r.now()
	reads := make([]MessageRead, 0, len(ids))
	for _, id := range ids {
		reads = append(reads, MessageRead{MessageID: id, UserID: userID, ConversationID: conversationID, ReadAt: now})
	}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&reads, 200).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// ---- typing ----

// StartTyping writes or refreshes the single indicator for (conversation, user).
func (r *Repo) StartTyping(ctx context.Context, conversationID, userID uint64, at time.Time) error {
	ti := TypingIndicator{ConversationID: conversationID, UserID: userID, StartedAt: at}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"started_at"}),
	}).Create(&ti).Error
}

// StopTyping removes the indicator only if it started at or before at, so a stop
// that arrives after a newer start is dropped. It reports whether a row was removed.
func (r *Repo) StopTyping(ctx context.Context, conversationID, userID uint64, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ? AND started_at <= ?", conversationID, userID, at).
		Delete(&TypingIndicator{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ClearTypingForUser removes every indicator of a user and returns what was removed.
func (r *Repo) ClearTypingForUser(ctx context.Context, userID uint64) ([]TypingIndicator, error) {
	var rows []TypingIndicator
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&TypingIndicator{}).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// PurgeStaleTyping deletes indicators that started before the cutoff and returns them.
func (r *Repo) PurgeStaleTyping(ctx context.Context, before time.Time) ([]TypingIndicator, error) {
	var rows []TypingIndicator
	if err := r.db.WithContext(ctx).Where("started_at < ?", before).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]uint64, 0, len(rows))
	for _, ti := range rows {
		ids = append(ids, ti.ID)
	}
	// re-check the cutoff so an indicator refreshed since the read survives
	if err := r.db.WithContext(ctx).
		Where("id IN ? AND started_at < ?", ids, before).
		Delete(&TypingIndicator{}).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) ListTyping(ctx context.Context, conversationID uint64, since time.Time) ([]TypingIndicator, error) {
	var rows []TypingIndicator
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND started_at >= ?", conversationID, since).
		Order("started_at ASC").
		Find(&rows).Error
	return rows, err
}

// ---- agent jobs ----

func (r *Repo) GetJobByID(ctx context.Context, id string) (*AgentJob, error) {
	var j AgentJob
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "job")
	}
	return &j, nil
}

func (r *Repo) getJobByIdempotencyKey(ctx context.Context, requestedBy uint64, key string) (*AgentJob, error) {
	var job AgentJob
	err := r.db.WithContext(ctx).
		Where("requested_by = ? AND idempotency_key = ?", requestedBy, key).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobOrGetExisting creates the job, or returns the existing one when
// (requested_by, idempotency_key) was already used.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *AgentJob) (*AgentJob, bool, error) {
	if job.IdempotencyKey != nil && *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
	}
	if job.Status == "" {
		job.Status = JobQueued
	}

	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}
	if job.IdempotencyKey == nil {
		return nil, false, err
	}

	existing, getErr := r.getJobByIdempotencyKey(ctx, job.RequestedBy, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

// MarkJobRunning claims a queued job; false means another worker already has it.
func (r *Repo) MarkJobRunning(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&AgentJob{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, messageID uint64) error {
	return r.db.WithContext(ctx).Model(&AgentJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobSucceeded,
			"result_message_id": messageID,
			"error":             nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&AgentJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobFailed,
			"error":             errMsg,
			"result_message_id": nil,
		}).Error
}
