package auth

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/suPer8Hu/supportdesk/internal/models"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims identify the caller on both the REST and the socket surface.
// VisitorID is only set for widget visitor tokens.
type Claims struct {
	UserID    uint64      `json:"uid"`
	Role      models.Role `json:"role"`
	Origin    string      `json:"origin,omitempty"`
	VisitorID string      `json:"visitor_id,omitempty"`
	jwt.RegisteredClaims
}

func SignJWT(u *models.User, secret string, ttl time.Duration) (string, error) {
	return SignClaims(Claims{
		UserID: u.ID,
		Role:   u.Role,
		Origin: u.ExternalOrigin,
	}, secret, ttl)
}

func SignClaims(c Claims, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	c.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   strconv.FormatUint(c.UserID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString([]byte(secret))
}

func ParseJWT(tokenStr, secret string) (*Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == 0 {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}
