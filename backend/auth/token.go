package auth

import (
	"errors"
	"strconv"
	"time"

	"github.com/adwski/relaychat/backend/model"
	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultAlgorithm = "HS256"
	defaultTTL       = 30 * time.Minute

	issuer = "relaychat"
)

var (
	// ErrRejected covers every reason a token is not accepted.
	ErrRejected = errors.New("token rejected")

	ErrEmptySecret          = errors.New("token secret is empty")
	ErrUnsupportedAlgorithm = errors.New("unsupported token algorithm")
)

type (
	TokenConfig struct {
		Secret    []byte
		Algorithm string
		TTL       time.Duration
	}

	// Verifier issues and validates bearer tokens signed with one process-wide secret.
	Verifier struct {
		method jwt.SigningMethod
		parser *jwt.Parser
		secret []byte
		ttl    time.Duration
		now    func() time.Time
	}
)

func NewVerifier(cfg TokenConfig) (*Verifier, error) {
	if len(cfg.Secret) == 0 {
		return nil, ErrEmptySecret
	}
	alg := cfg.Algorithm
	if alg == "" {
		alg = defaultAlgorithm
	}
	// only the HMAC family fits a shared-secret configuration
	method, ok := jwt.GetSigningMethod(alg).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, errors.Join(ErrUnsupportedAlgorithm, errors.New(alg))
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	v := &Verifier{
		method: method,
		secret: append([]byte(nil), cfg.Secret...),
		ttl:    ttl,
		now:    time.Now,
	}
	v.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	)
	return v, nil
}

// Issue creates a signed token whose subject is the participant id.
func (v *Verifier) Issue(id model.ParticipantID) (string, error) {
	now := v.now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(int64(id), 10),
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
	}
	return jwt.NewWithClaims(v.method, claims).SignedString(v.secret)
}

// Verify checks signature, algorithm and expiry, and returns the embedded subject.
func (v *Verifier) Verify(token string) (model.ParticipantID, error) {
	if token == "" {
		return 0, ErrRejected
	}
	var claims jwt.RegisteredClaims
	parsed, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return 0, ErrRejected
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrRejected
	}
	return model.ParticipantID(id), nil
}
