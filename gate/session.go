package gate

import (
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/silversage/guard/internal/clock"
	"github.com/silversage/guard/internal/util"
	"github.com/silversage/guard/storage"
)

const (
	DefaultSessionTTL = 60 * time.Minute
	MinSigningKeyLen  = 32

	sessionIssuer = "guard"

	signingKeyNamespace  = "__meta"
	signingKeyRecordType = "SIGNING_KEY"
	signingKeyID         = "current"
	signingKeyAAD        = "guard:session_signing_key:v1"
)

var errInvalidSession = errors.New("invalid session token")

// Session is an issued session token.
type Session struct {
	Token      string    `json:"token"`
	IdentityID string    `json:"identity_id"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// SessionIssuer signs and parses HS256 session tokens. The signing key is
// held in a memguard enclave and only opened for the duration of a call.
type SessionIssuer struct {
	key   *memguard.Enclave
	ttl   time.Duration
	clock clock.Clock
}

// NewSessionIssuer copies key into an enclave. key must be at least
// MinSigningKeyLen bytes; a ttl of 0 selects DefaultSessionTTL.
func NewSessionIssuer(key []byte, ttl time.Duration, clk clock.Clock) (*SessionIssuer, error) {
	if len(key) < MinSigningKeyLen {
		return nil, fmt.Errorf("session signing key must be at least %d bytes, got %d", MinSigningKeyLen, len(key))
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	buf := make([]byte, len(key))
	copy(buf, key)
	return &SessionIssuer{key: memguard.NewEnclave(buf), ttl: ttl, clock: clk}, nil
}

func (s *SessionIssuer) TTL() time.Duration { return s.ttl }

// Issue signs a session for identityID.
func (s *SessionIssuer) Issue(identityID string) (Session, error) {
	now := s.clock.Now().Truncate(time.Second)
	exp := now.Add(s.ttl)
	jti, err := uuid.NewRandom()
	if err != nil {
		return Session{}, err
	}
	claims := jwt.RegisteredClaims{
		Issuer:    sessionIssuer,
		Subject:   identityID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        jti.String(),
	}
	buf, err := s.key.Open()
	if err != nil {
		return Session{}, fmt.Errorf("opening signing key: %w", err)
	}
	defer buf.Destroy()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(buf.Bytes())
	if err != nil {
		return Session{}, err
	}
	return Session{Token: signed, IdentityID: identityID, IssuedAt: now, ExpiresAt: exp}, nil
}

// Parse validates token and returns the session it describes.
func (s *SessionIssuer) Parse(token string) (Session, error) {
	buf, err := s.key.Open()
	if err != nil {
		return Session{}, fmt.Errorf("opening signing key: %w", err)
	}
	defer buf.Destroy()

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return buf.Bytes(), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", errInvalidSession, err)
	}
	if !parsed.Valid || claims.Subject == "" || claims.IssuedAt == nil {
		return Session{}, errInvalidSession
	}
	return Session{
		Token:      token,
		IdentityID: claims.Subject,
		IssuedAt:   claims.IssuedAt.Time,
		ExpiresAt:  claims.ExpiresAt.Time,
	}, nil
}

// LoadOrCreateSigningKey returns the signing key kept in repo, creating a
// random one on first use. The key record goes through codec, so it is
// sealed whenever the store is.
func LoadOrCreateSigningKey(repo storage.Repository, codec *storage.Codec) ([]byte, error) {
	env, err := repo.Get(signingKeyNamespace, signingKeyRecordType, signingKeyID)
	if err == nil {
		var key []byte
		if err := codec.Decode(env, signingKeyAAD, &key); err != nil {
			return nil, fmt.Errorf("reading session signing key: %w", err)
		}
		if len(key) < MinSigningKeyLen {
			return nil, fmt.Errorf("stored session signing key too short: %w", storage.ErrCorrupt)
		}
		return key, nil
	}
	if !storage.IsNotFound(err) {
		return nil, err
	}

	key, err := util.RandomBytes(MinSigningKeyLen)
	if err != nil {
		return nil, err
	}
	env, err = codec.Encode(key, signingKeyAAD, 0)
	if err != nil {
		util.WipeBytes(key)
		return nil, err
	}
	err = repo.PutCAS(signingKeyNamespace, signingKeyRecordType, signingKeyID, 0, env)
	if errors.Is(err, storage.ErrCASFailed) {
		util.WipeBytes(key)
		// Another process created it first.
		return LoadOrCreateSigningKey(repo, codec)
	}
	if err != nil {
		util.WipeBytes(key)
		return nil, err
	}
	return key, nil
}
