package tunnel

import (
	"encoding/json"
	"fmt"
)

// MessageType tags a protocol message.
type MessageType string

// Protocol message types.
const (
	MsgAuthChallenge         MessageType = "auth_challenge"
	MsgAuthChallengeResponse MessageType = "auth_challenge_response"
	MsgAuthenticate          MessageType = "authenticate"
	MsgAuthenticateResponse  MessageType = "authenticate_response"
	MsgDecryptVault          MessageType = "decrypt_vault"
	MsgDecryptVaultResponse  MessageType = "decrypt_vault_response"
	MsgSSOLogin              MessageType = "sso_login"
	MsgSSOLoginResponse      MessageType = "sso_login_response"
	MsgAppToken              MessageType = "app_token"
	MsgAppTokenResponse      MessageType = "app_token_response"

	// MsgError is sent when a request could not even be decrypted or
	// parsed, so no request-specific response type applies.
	MsgError MessageType = "error"
)

// Error codes carried inside error responses. Failures are always
// encoded as typed responses; raw errors never cross the wire.
const (
	CodeBadRequest            = "bad_request"
	CodeAuthenticationFailure = "authentication_failure"
	CodeAuthorizationFailure  = "authorization_failure"
	CodeDecryptionFailure     = "decryption_failure"
	CodeCollaboratorFailure   = "collaborator_failure"
	CodeCollaboratorTimeout   = "collaborator_timeout"
	CodeRateLimited           = "rate_limited"
)

// ErrorInfo is the structured reason inside a failed response.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Message is the tagged protocol message exchanged inside sealed
// envelopes. Unused fields are omitted per type.
type Message struct {
	Type MessageType `json:"type"`

	// Request fields.
	Principal string `json:"principal,omitempty"`
	Challenge string `json:"challenge,omitempty"` // base64url nonce
	Signature string `json:"signature,omitempty"` // base64url Ed25519 signature
	SessionID string `json:"session_id,omitempty"`
	VaultRef  string `json:"vault_ref,omitempty"`
	AppID     string `json:"app_id,omitempty"`
	SSOToken  string `json:"sso_token,omitempty"`

	// Response fields.
	Success      bool       `json:"success,omitempty"`
	Error        *ErrorInfo `json:"error,omitempty"`
	SessionToken string     `json:"session_token,omitempty"`
	Payload      []byte     `json:"payload,omitempty"` // opaque vault bytes
	Token        string     `json:"token,omitempty"`
	TokenType    string     `json:"token_type,omitempty"`
	Expiry       int64      `json:"expiry,omitempty"` // unix seconds
}

// EncodeMessage serializes a message to bytes for sealing.
func EncodeMessage(m *Message) ([]byte, error) {
	if m.Type == "" {
		return nil, fmt.Errorf("message has no type")
	}
	return json.Marshal(m)
}

// DecodeMessage parses a decrypted payload into a message.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed protocol message: %w", err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("protocol message has no type")
	}
	return &m, nil
}

// responseType maps a request type to its response type.
func responseType(t MessageType) MessageType {
	switch t {
	case MsgAuthChallenge:
		return MsgAuthChallengeResponse
	case MsgAuthenticate:
		return MsgAuthenticateResponse
	case MsgDecryptVault:
		return MsgDecryptVaultResponse
	case MsgSSOLogin:
		return MsgSSOLoginResponse
	case MsgAppToken:
		return MsgAppTokenResponse
	case "":
		return MsgError
	default:
		return t
	}
}

// errorResponse builds a typed failure response for a request.
func errorResponse(req MessageType, code, format string, args ...interface{}) *Message {
	return &Message{
		Type:    responseType(req),
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: fmt.Sprintf(format, args...),
		},
	}
}
