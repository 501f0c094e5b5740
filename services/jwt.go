package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

var ErrInvalidSession = errors.New("invalid or expired session token")

// Claims is the decoded payload of a session JWT.
type Claims struct {
	Username string
	UserID   string
	Role     string
	Expires  time.Time
}

// JWTIssuer signs and verifies HS256 session tokens.
type JWTIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewJWTIssuer(secret string, ttl time.Duration) *JWTIssuer {
	return &JWTIssuer{secret: []byte(secret), ttl: ttl}
}

// Issue creates a session token for username with the configured lifetime.
func (j *JWTIssuer) Issue(username, role string) (string, error) {
	return j.IssueFor(username, role, j.ttl)
}

func (j *JWTIssuer) IssueFor(username, role string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(
		jwt.SigningMethodHS256,
		jwt.MapClaims{
			"username": username,
			"user_id":  UserID(username),
			"role":     role,
			"exp":      time.Now().Add(ttl).Unix(),
		})
	return token.SignedString(j.secret)
}

// UserID is a stable identifier derived from username.
func UserID(username string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("rick-terminal/"+username)).String()
}

// Parse validates a token and returns its claims.
func (j *JWTIssuer) Parse(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, ErrInvalidSession
	}

	username, _ := mc["username"].(string)
	if username == "" {
		return Claims{}, ErrInvalidSession
	}

	c := Claims{Username: username}
	c.UserID, _ = mc["user_id"].(string)
	c.Role, _ = mc["role"].(string)
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.Expires = exp.Time
	}
	return c, nil
}
