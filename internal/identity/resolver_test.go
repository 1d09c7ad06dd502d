package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/supportdesk/internal/apperr"
	"github.com/suPer8Hu/supportdesk/internal/auth"
	"github.com/suPer8Hu/supportdesk/internal/chat"
	"github.com/suPer8Hu/supportdesk/internal/models"
	"gorm.io/gorm"
)

func newRepo(t *testing.T) *chat.Repo {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.User{}))
	return chat.NewRepo(db)
}

func TestLookupKey(t *testing.T) {
	require.Equal(t, "facebook_1001@channel.local", LookupKey("facebook", "1001"))
	require.Equal(t, "telegram_9@channel.local", LookupKey(" Telegram ", "9"))
	require.Equal(t, "visitor_v42@widget.local", LookupKey("widget", "v42"))

	long := strings.Repeat("a", 240) + "@" + strings.Repeat("b", 60) + ".com"
	key := LookupKey("email", long)
	require.LessOrEqual(t, len(key), models.MaxEmailLen)
	require.True(t, strings.HasPrefix(key, "email_sha256-"))
	require.Equal(t, key, LookupKey("email", long))
	require.NotEqual(t, key, LookupKey("email", long+"x"))
}

func TestResolve_Idempotent(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(newRepo(t))

	for _, ch := range []string{"facebook", "whatsapp", "telegram", "email", "widget"} {
		u1, err := r.Resolve(ctx, ch, "1001", Hints{DisplayName: "Ann"})
		require.NoError(t, err)
		u2, err := r.Resolve(ctx, ch, "1001", Hints{})
		require.NoError(t, err)
		require.Equal(t, u1.ID, u2.ID, ch)
		require.Equal(t, models.RoleCustomer, u1.Role)
		require.True(t, u1.IsSynthetic())
		require.False(t, u1.CanPasswordLogin())
		require.False(t, auth.CheckPassword(u1.PasswordHash, ""))
	}
}

func TestResolve_ConcurrentDeliveries(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(newRepo(t))

	const n = 10
	ids := make([]uint64, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, err := r.Resolve(ctx, "whatsapp", "15550001", Hints{})
			errs[i] = err
			if u != nil {
				ids[i] = u.ID
			}
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], ids[i])
	}
}

func TestResolve_Validation(t *testing.T) {
	r := NewResolver(newRepo(t))
	_, err := r.Resolve(context.Background(), "facebook", "  ", Hints{})
	require.Error(t, err)
}

// racingStore reports not-found on the first lookup and then fails the create,
// as if another delivery inserted the row in between.
type racingStore struct {
	mu      sync.Mutex
	lookups int
	winner  *models.User
}

func (s *racingStore) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.lookups == 1 {
		return nil, apperr.NotFound("user")
	}
	return s.winner, nil
}

func (s *racingStore) CreateUser(ctx context.Context, u *models.User) error {
	return errors.New("UNIQUE constraint failed: users.email")
}

func (s *racingStore) FirstStaff(ctx context.Context) (*models.User, error) {
	return nil, apperr.NotFound("user")
}

func TestResolve_UniqueRaceFallsBackToRefetch(t *testing.T) {
	store := &racingStore{winner: &models.User{ID: 77, Email: "facebook_1@channel.local"}}
	u, err := NewResolver(store).Resolve(context.Background(), "facebook", "1", Hints{})
	require.NoError(t, err)
	require.Equal(t, uint64(77), u.ID)
}

func TestDefaultAgent(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	r := NewResolver(repo)

	synth, err := r.DefaultAgent(ctx)
	require.NoError(t, err)
	require.Equal(t, SupportEmail, synth.Email)
	require.Equal(t, models.RoleAgent, synth.Role)

	admin := &models.User{Email: "root@example.com", Username: "root", PasswordHash: "h", Role: models.RoleAdmin}
	require.NoError(t, repo.CreateUser(ctx, admin))
	got, err := r.DefaultAgent(ctx)
	require.NoError(t, err)
	require.Equal(t, admin.ID, got.ID)

	// a real agent wins over both the admin and the synthesized account
	human := &models.User{Email: "jane@example.com", Username: "jane", PasswordHash: "h", Role: models.RoleAgent}
	require.NoError(t, repo.CreateUser(ctx, human))
	got, err = r.DefaultAgent(ctx)
	require.NoError(t, err)
	require.Equal(t, human.ID, got.ID)

	ai, err := r.AIAgent(ctx)
	require.NoError(t, err)
	require.Equal(t, models.OriginAIAgent, ai.ExternalOrigin)
	again, err := r.AIAgent(ctx)
	require.NoError(t, err)
	require.Equal(t, ai.ID, again.ID)
}

func TestResolve_LongExternalID(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(newRepo(t))

	addr := strings.Repeat("a", 240) + "@" + strings.Repeat("b", 60) + ".com"
	u1, err := r.Resolve(ctx, "email", addr, Hints{})
	require.NoError(t, err)
	require.LessOrEqual(t, len(u1.Email), models.MaxEmailLen)
	require.Equal(t, addr, u1.ExternalID)
	u2, err := r.Resolve(ctx, "email", addr, Hints{})
	require.NoError(t, err)
	require.Equal(t, u1.ID, u2.ID)

	_, err = r.Resolve(ctx, "email", strings.Repeat("x", models.MaxEmailLen+1), Hints{})
	require.True(t, apperr.IsValidation(err))
}
