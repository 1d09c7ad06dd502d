// Package identity maps external actors onto canonical users.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/suPer8Hu/supportdesk/internal/apperr"
	"github.com/suPer8Hu/supportdesk/internal/auth"
	"github.com/suPer8Hu/supportdesk/internal/models"
)

const (
	ChannelWidget  = "widget"
	ChannelAIAgent = "ai-agent"

	SupportEmail = "support@system.local"
	AIAgentEmail = "ai-agent@system.local"
)

// UserStore is the subset of the conversation store the resolver needs.
type UserStore interface {
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateUser(ctx context.Context, u *models.User) error
	FirstStaff(ctx context.Context) (*models.User, error)
}

// Hints carry optional provider data used only when the user is first created.
type Hints struct {
	DisplayName string
}

type Resolver struct {
	store UserStore
}

func NewResolver(store UserStore) *Resolver {
	return &Resolver{store: store}
}

// LookupKey derives the synthetic email that de-duplicates an external sender. An id
// too long for the email column is replaced by its sha256 digest.
func LookupKey(channel, externalID string) string {
	channel = strings.ToLower(strings.TrimSpace(channel))
	externalID = strings.TrimSpace(externalID)
	key := lookupKey(channel, externalID)
	if len(key) > models.MaxEmailLen {
		sum := sha256.Sum256([]byte(externalID))
		key = lookupKey(channel, "sha256-"+hex.EncodeToString(sum[:]))
	}
	return key
}

func lookupKey(channel, externalID string) string {
	if channel == ChannelWidget {
		return fmt.Sprintf("visitor_%s@widget.local", externalID)
	}
	return fmt.Sprintf("%s_%s@channel.local", channel, externalID)
}

// Resolve returns the user for (channel, externalID), creating a CUSTOMER with an
// unusable credential on first contact. Concurrent first contacts converge on one row.
func (r *Resolver) Resolve(ctx context.Context, channel, externalID string, hints Hints) (*models.User, error) {
	channel = strings.ToLower(strings.TrimSpace(channel))
	externalID = strings.TrimSpace(externalID)
	if channel == "" || externalID == "" {
		return nil, apperr.Validation("channel and external id are required")
	}
	if len(externalID) > models.MaxEmailLen {
		return nil, apperr.Validation("external id too long")
	}

	key := LookupKey(channel, externalID)
	username := strings.TrimSpace(hints.DisplayName)
	if username == "" {
		username = channel + " " + externalID
	}
	return r.getOrCreate(ctx, &models.User{
		Email:          key,
		Username:       truncate(username, 64),
		Role:           models.RoleCustomer,
		ExternalOrigin: channel,
		ExternalID:     externalID,
	})
}

// DefaultAgent returns the first registered staff member, or the synthesized
// support account when no human agent exists yet.
func (r *Resolver) DefaultAgent(ctx context.Context) (*models.User, error) {
	u, err := r.store.FirstStaff(ctx)
	if err == nil {
		return u, nil
	}
	if !apperr.IsNotFound(err) {
		return nil, err
	}
	return r.getOrCreate(ctx, &models.User{
		Email:          SupportEmail,
		Username:       "Support",
		Role:           models.RoleAgent,
		ExternalOrigin: models.OriginSystem,
	})
}

func (r *Resolver) AIAgent(ctx context.Context) (*models.User, error) {
	return r.getOrCreate(ctx, &models.User{
		Email:          AIAgentEmail,
		Username:       "AI Assistant",
		Role:           models.RoleAgent,
		ExternalOrigin: models.OriginAIAgent,
	})
}

func (r *Resolver) getOrCreate(ctx context.Context, proto *models.User) (*models.User, error) {
	u, err := r.store.FindUserByEmail(ctx, proto.Email)
	if err == nil {
		return u, nil
	}
	if !apperr.IsNotFound(err) {
		return nil, err
	}

	hash, err := auth.UnusableHash()
	if err != nil {
		return nil, fmt.Errorf("synthetic credential: %w", err)
	}
	proto.PasswordHash = hash

	createErr := r.store.CreateUser(ctx, proto)
	if createErr == nil {
		return proto, nil
	}

	// another delivery created the same key first
	u, err = r.store.FindUserByEmail(ctx, proto.Email)
	if err == nil {
		return u, nil
	}
	if apperr.IsNotFound(err) {
		return nil, createErr
	}
	return nil, err
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
