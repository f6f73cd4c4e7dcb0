package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Hayvi/roomy/internal/database"
	"github.com/Hayvi/roomy/internal/types"
	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var tokenCookieKey = "token"

const (
	userIdClaim = "user-id"
	expClaim    = "exp"
)

type contextKey string

const userIdKey contextKey = "user-id"

func UserId(ctx context.Context) (string, bool) {
	userId, ok := ctx.Value(userIdKey).(string)

	return userId, ok
}

func WithUserId(ctx context.Context, userId string) context.Context {
	return context.WithValue(ctx, userIdKey, userId)
}

// displayNameWithSuffix appends a random #NNNN tag so equal names stay distinguishable.
func displayNameWithSuffix(name string) string {
	n := types.NameSuffixMin + rand.IntN(types.NameSuffixMax-types.NameSuffixMin+1)
	return fmt.Sprintf("%s#%d", name, n)
}

func (s *GoChatApp) signIn(w http.ResponseWriter, r *http.Request) {
	var req types.SignInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	name := strings.TrimSpace(req.DisplayName)
	if name == "" || utf8.RuneCountInString(name) > types.MaxDisplayNameLength {
		errResp := NewValidationError(fmt.Sprintf("display name must be 1 to %d characters", types.MaxDisplayNameLength))
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	profile, err := s.db.CreateProfile(database.CreateProfileParams{
		Id:          uuid.NewString(),
		DisplayName: displayNameWithSuffix(name),
	})
	if err != nil {
		if database.IsUniqueViolation(err) {
			errResp := NewConflictError("name taken")
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		s.log.Errorf("create profile: %v", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	token, err := s.createJwtForSession(profile.Id, s.sessionTTL)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, createJwtCookie(token, s.sessionTTL))

	s.writeJson(w, http.StatusCreated, types.Session{
		Token:   token,
		Profile: toProfile(profile),
	})
}

func (s *GoChatApp) session(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	profile, err := s.db.GetProfile(userId)
	if err != nil {
		errResp := dbError(err)
		if errResp.StatusCode == http.StatusNotFound {
			// a token for an identity that no longer exists is a dead session
			errResp = NewUnauthorizedError()
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, types.Session{Profile: toProfile(profile)})
}

func (s *GoChatApp) logout(w http.ResponseWriter, _ *http.Request) {
	// instruct browser to delete cookie by overwriting it with an expired token
	http.SetCookie(w, createJwtCookie("", time.Duration(time.Unix(0, 0).Unix())))
	w.WriteHeader(http.StatusNoContent)
}

func createJwtCookie(tokenString string, exp time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     tokenCookieKey,
		Value:    tokenString,
		Path:     "/",
		Expires:  time.Now().Add(exp),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

// tokenFromRequest reads the session token from the cookie, falling back to a bearer header.
func tokenFromRequest(r *http.Request) (string, error) {
	if c, err := r.Cookie(tokenCookieKey); err == nil && c.Value != "" {
		return c.Value, nil
	}

	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && token != "" {
		return token, nil
	}

	return "", fmt.Errorf("no session token")
}

func hashPassword(passwd string) (string, error) {
	passwdHash, err := bcrypt.GenerateFromPassword([]byte(passwd), bcrypt.DefaultCost)
	return string(passwdHash), err
}

func verifyPassword(passwdHash, passwd string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(passwdHash), []byte(passwd))
	return err == nil
}

func (s *GoChatApp) createJwtForSession(userId string, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: userId,
		expClaim:    time.Now().Add(exp).Unix(),
	})

	return token.SignedString(s.signingKey)
}

func (s *GoChatApp) verifyToken(tokenString string) (*jwt.Token, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return token, nil
}

func (s *GoChatApp) extractUserIdFromToken(tokenString string) (string, error) {
	token, err := s.verifyToken(tokenString)
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}

	userId, ok := claims[userIdClaim].(string)
	if !ok || userId == "" {
		return "", fmt.Errorf("invalid user id claim")
	}

	return userId, nil
}
