package protocol

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// SCRAMSHA256 drives one SASL-SCRAM-SHA-256 client conversation over the
// two-round AuthenticationSASLInitialResponse/AuthenticationSASLResponse
// exchange (spec.md §4.2). The state-machine shape -- a prepare step that
// builds the next outbound message and a decode step that consumes the
// server's reply -- mirrors the teacher's authSCRAMSHA256
// prepareInitReq/initRepDecode/prepareFinalReq/finalRepDecode split,
// adapted from HANA's binary sub-parameter encoding to SCRAM's
// comma-separated, base64-valued text attributes (RFC 5802).
type SCRAMSHA256 struct {
	username string
	password string

	clientNonce string
	authMessage string
	saltedPass  []byte

	done bool
}

// NewSCRAMSHA256 starts a conversation for username/password.
func NewSCRAMSHA256(username, password string) (*SCRAMSHA256, error) {
	nonce, err := randomNonce(24)
	if err != nil {
		return nil, err
	}
	return &SCRAMSHA256{username: username, password: password, clientNonce: nonce}, nil
}

func randomNonce(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("%w: generating scram nonce: %w", ErrProtocolFraming, err)
	}
	return base64.RawStdEncoding.EncodeToString(buf), nil
}

// ClientFirst builds the gs2-header-prefixed client-first-message sent as
// the AuthenticationSASLInitialResponse payload.
func (s *SCRAMSHA256) ClientFirst() string {
	bare := "n=" + saslEscape(s.username) + ",r=" + s.clientNonce
	s.authMessage = bare
	return "n,," + bare
}

// ServerFirst consumes the server-first-message (the payload of an
// AuthenticationSASLContinue reply) and returns the client-final-message
// to send as the next AuthenticationSASLResponse payload.
func (s *SCRAMSHA256) ServerFirst(msg string) (string, error) {
	attrs, err := parseSCRAMAttrs(msg)
	if err != nil {
		return "", err
	}
	serverNonce, ok := attrs["r"]
	if !ok || !strings.HasPrefix(serverNonce, s.clientNonce) {
		return "", NewError(CodeAuthenticationError, "scram: server nonce does not extend client nonce")
	}
	saltB64, ok := attrs["s"]
	if !ok {
		return "", NewError(CodeAuthenticationError, "scram: server-first-message missing salt")
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return "", fmt.Errorf("%w: scram: invalid salt encoding: %w", ErrProtocolFraming, err)
	}
	iterStr, ok := attrs["i"]
	if !ok {
		return "", NewError(CodeAuthenticationError, "scram: server-first-message missing iteration count")
	}
	iterations, err := strconv.Atoi(iterStr)
	if err != nil || iterations <= 0 {
		return "", NewError(CodeAuthenticationError, "scram: invalid iteration count")
	}

	s.saltedPass = pbkdf2.Key([]byte(s.password), salt, iterations, sha256.Size, sha256.New)

	clientFinalNoProof := "c=biws,r=" + serverNonce
	s.authMessage += "," + msg + "," + clientFinalNoProof

	clientKey := hmacSHA256(s.saltedPass, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	clientSig := hmacSHA256(storedKey[:], []byte(s.authMessage))
	clientProof := xorBytes(clientKey, clientSig)

	final := clientFinalNoProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)
	return final, nil
}

// ServerFinal consumes the server-final-message (the payload of an
// AuthenticationSASLFinal reply) and verifies the server's proof, closing
// the conversation.
func (s *SCRAMSHA256) ServerFinal(msg string) error {
	attrs, err := parseSCRAMAttrs(msg)
	if err != nil {
		return err
	}
	if e, ok := attrs["e"]; ok {
		return NewErrorf(CodeAuthenticationError, "scram: server rejected authentication: %s", e)
	}
	sigB64, ok := attrs["v"]
	if !ok {
		return NewError(CodeAuthenticationError, "scram: server-final-message missing verifier")
	}
	gotSig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("%w: scram: invalid server signature encoding: %w", ErrProtocolFraming, err)
	}

	serverKey := hmacSHA256(s.saltedPass, []byte("Server Key"))
	wantSig := hmacSHA256(serverKey, []byte(s.authMessage))
	if subtle.ConstantTimeCompare(wantSig, gotSig) != 1 {
		return NewError(CodeAuthenticationError, "scram: server signature verification failed")
	}
	s.done = true
	return nil
}

// Done reports whether the conversation has completed successfully.
func (s *SCRAMSHA256) Done() bool { return s.done }

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// saslEscape applies the RFC 5802 "," -> "=2C" and "=" -> "=3D" escaping
// required inside a SCRAM "n=" attribute.
func saslEscape(s string) string {
	s = strings.ReplaceAll(s, "=", "=3D")
	s = strings.ReplaceAll(s, ",", "=2C")
	return s
}

// parseSCRAMAttrs splits a comma-separated "key=value" SCRAM message into
// a map, tolerating a value containing '=' past the first separator
// (valid for base64 payloads).
func parseSCRAMAttrs(msg string) (map[string]string, error) {
	attrs := make(map[string]string)
	for _, part := range strings.Split(msg, ",") {
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("%w: malformed scram attribute %q", ErrProtocolFraming, part)
		}
		attrs[kv[0]] = kv[1]
	}
	return attrs, nil
}
