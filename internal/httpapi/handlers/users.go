package handlers

import (
	"context"
	"crypto/rand"
	"math/big"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/supportdesk/internal/apperr"
	"github.com/suPer8Hu/supportdesk/internal/auth"
	"github.com/suPer8Hu/supportdesk/internal/common"
	"github.com/suPer8Hu/supportdesk/internal/email"
	"github.com/suPer8Hu/supportdesk/internal/models"
)

const minPasswordLen = 8

type createUserReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username"`
}

// generate a 11 digit random username
func randomUsername11() (string, error) {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	out := make([]byte, 11)
	for i := 0; i < 11; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		if err != nil {
			return "", err
		}
		out[i] = letters[n.Int64()]
	}
	return string(out), nil
}

// newAccount validates the request and builds a password user with the given role.
func newAccount(req createUserReq, role models.Role) (*models.User, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(req.Email))
	if err != nil || addr.Address != strings.TrimSpace(req.Email) || len(addr.Address) > models.MaxEmailLen {
		return nil, apperr.Validation("invalid email")
	}
	// synthetic identities live under these domains
	lower := strings.ToLower(addr.Address)
	if strings.HasSuffix(lower, ".local") {
		return nil, apperr.Validation("email domain not allowed")
	}
	if len(req.Password) < minPasswordLen {
		return nil, apperr.Validation("password must be at least %d characters", minPasswordLen)
	}

	username := strings.TrimSpace(req.Username)
	if username == "" {
		if username, err = randomUsername11(); err != nil {
			return nil, err
		}
	}
	if len([]rune(username)) > 64 {
		return nil, apperr.Validation("username too long")
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	return &models.User{
		Email:        lower,
		Username:     username,
		PasswordHash: hash,
		Role:         role,
	}, nil
}

func (h *Handler) CreateUser(c *gin.Context) {
	var req createUserReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	user, err := newAccount(req, models.RoleCustomer)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.repo.CreateUser(c.Request.Context(), user); err != nil {
		common.Fail(c, http.StatusBadRequest, 10003, "failed to create user (maybe email already exists)")
		return
	}

	token, err := auth.SignJWT(user, h.cfg.JWTSecret, h.cfg.TokenTTL)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}

	// send welcome email
	if h.smtpSetting.Enabled() {
		go func(to, uname string) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			subject := "Welcome to Support Desk"
			body := "Hello,\n\n" +
				"Your support account has been created.\n\n" +
				"Username: " + uname + "\n\n" +
				"If you did not request this account, please contact us immediately.\n"
			if err := email.SendText(ctx, h.smtpSetting, to, subject, body); err != nil {
				h.log.Warn().Err(err).Str("to", to).Msg("welcome email failed")
			}
		}(user.Email, user.Username)
	}

	common.OK(c, gin.H{
		"id":       user.ID,
		"email":    user.Email,
		"username": user.Username,
		"role":     user.Role,
		"token":    token,
	})
}

// CreateAgent lets an admin add staff accounts.
func (h *Handler) CreateAgent(c *gin.Context) {
	var req struct {
		createUserReq
		Role models.Role `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if req.Role == "" {
		req.Role = models.RoleAgent
	}
	if !req.Role.IsStaff() {
		common.Fail(c, http.StatusBadRequest, 10002, "role must be AGENT or ADMIN")
		return
	}
	user, err := newAccount(req.createUserReq, req.Role)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.repo.CreateUser(c.Request.Context(), user); err != nil {
		common.Fail(c, http.StatusBadRequest, 10003, "failed to create user (maybe email already exists)")
		return
	}
	common.OK(c, userView(user))
}

type loginReq struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	user, err := h.repo.FindUserByEmail(c.Request.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		if apperr.IsNotFound(err) {
			common.Fail(c, http.StatusUnauthorized, 40103, "invalid email or password")
			return
		}
		h.fail(c, err)
		return
	}
	if !user.CanPasswordLogin() {
		common.Fail(c, http.StatusForbidden, 40302, "this identity cannot sign in with a password")
		return
	}
	if !auth.CheckPassword(user.PasswordHash, req.Password) {
		common.Fail(c, http.StatusUnauthorized, 40103, "invalid email or password")
		return
	}

	token, err := auth.SignJWT(user, h.cfg.JWTSecret, h.cfg.TokenTTL)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}
	common.OK(c, gin.H{"token": token, "user": userView(user)})
}

func (h *Handler) Me(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	user, err := h.repo.GetUser(c.Request.Context(), uid)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, userView(user))
}

func userView(u *models.User) gin.H {
	return gin.H{
		"id":         u.ID,
		"email":      u.Email,
		"username":   u.Username,
		"role":       u.Role,
		"is_online":  u.IsOnline,
		"last_seen":  u.LastSeen,
		"created_at": u.CreatedAt,
	}
}
