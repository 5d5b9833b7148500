package docsync

import (
	"fmt"
	"net/url"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// SessionAuth carries the optional credentials appended to every channel url.
// Token issuance and verification live outside this layer; the token is
// treated as an opaque bearer credential here.
type SessionAuth struct {
	Token   string
	GuestId string
}

// SessionClaims are the claims this layer understands inside a session token.
// Parsing is unverified: the server is the verifier, this side only needs the
// claims for diagnostics and defaults.
type SessionClaims struct {
	SessionCode string
	Role        string
	GuestId     string
}

func ParseSessionTokenUnverified(token string) (*SessionClaims, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	mapClaims := parsed.Claims.(gojwt.MapClaims)

	claims := &SessionClaims{}
	if sessionCode, ok := mapClaims["session"].(string); ok {
		claims.SessionCode = sessionCode
	}
	if role, ok := mapClaims["role"].(string); ok {
		claims.Role = role
	}
	if guestId, ok := mapClaims["guest_id"].(string); ok {
		claims.GuestId = guestId
	}
	return claims, nil
}

// channelUrl builds the websocket url for one document channel.
// `doc` addresses the workspace or body document, `file` is set only for
// body channels, and session/token/guest_id ride along when present.
func channelUrl(serverUrl string, docId DocumentId, sessionCode string, auth *SessionAuth) (string, error) {
	u, err := url.Parse(serverUrl)
	if err != nil {
		return "", err
	}

	query := u.Query()
	if docId.IsWorkspace() {
		query.Set("doc", string(WorkspaceDocumentId))
	} else {
		query.Set("doc", "body")
		query.Set("file", string(docId))
	}
	if sessionCode != "" {
		query.Set("session", sessionCode)
	}
	if auth != nil {
		if auth.Token != "" {
			query.Set("token", auth.Token)
		}
		if auth.GuestId != "" {
			query.Set("guest_id", auth.GuestId)
		}
	}
	u.RawQuery = query.Encode()

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported channel url scheme: %s", u.Scheme)
	}
	return u.String(), nil
}
