package collab

import (
	"errors"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// a signed room invite. the token carries the room and the role the
// holder is admitted with, so an invite can bypass the room password.
type Invite struct {
	RoomId string
	Role   Role
}

// MintInviteToken signs an invite with HS256.
func MintInviteToken(secret string, roomId string, role Role, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("Invite secret required.")
	}
	if roomId == "" {
		return "", errors.New("Invite room required.")
	}
	now := time.Now()
	claims := gojwt.MapClaims{
		"room_id": roomId,
		"role":    string(NormalizeRole(role)),
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseInviteToken verifies the signature and expiry and returns the
// invite. This is the server side check.
func ParseInviteToken(secret string, inviteToken string) (*Invite, error) {
	token, err := gojwt.Parse(
		inviteToken,
		func(token *gojwt.Token) (any, error) {
			return []byte(secret), nil
		},
		gojwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("Invalid invite token.")
	}
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, errors.New("Invalid invite claims.")
	}
	return inviteFromClaims(claims)
}

// ParseInviteTokenUnverified extracts the invite without checking the
// signature, for client side display only.
func ParseInviteTokenUnverified(inviteToken string) (*Invite, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(inviteToken, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, errors.New("Invalid invite claims.")
	}
	return inviteFromClaims(claims)
}

func inviteFromClaims(claims gojwt.MapClaims) (*Invite, error) {
	invite := &Invite{}
	if roomId, ok := claims["room_id"]; ok {
		if s, ok := roomId.(string); ok {
			invite.RoomId = s
		}
	}
	if invite.RoomId == "" {
		return nil, errors.New("Invite missing room.")
	}
	invite.Role = RoleViewer
	if role, ok := claims["role"]; ok {
		if s, ok := role.(string); ok {
			invite.Role = NormalizeRole(Role(s))
		}
	}
	return invite, nil
}
