package collab

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/jellydator/ttlcache/v3"
)

// Identity resolves the authenticated participant for an incoming sync
// request. The engine performs no credential validation itself. The gateway
// in front of it owns that, so implementations only extract claims.
type Identity interface {
	Resolve(r *http.Request) (Participant, error)
}

// AnonIdentity mints a guest participant per connection.
type AnonIdentity struct {
}

func NewAnonIdentity() *AnonIdentity {
	return &AnonIdentity{}
}

func (self *AnonIdentity) Resolve(r *http.Request) (Participant, error) {
	idStr := NewId().String()
	return Participant{
		ParticipantId: idStr,
		Name:          fmt.Sprintf("guest-%s", idStr[len(idStr)-6:]),
	}, nil
}

type JwtIdentitySettings struct {
	CacheTtl      time.Duration
	CacheCapacity uint64
}

func DefaultJwtIdentitySettings() *JwtIdentitySettings {
	return &JwtIdentitySettings{
		CacheTtl:      5 * time.Minute,
		CacheCapacity: 4096,
	}
}

// JwtIdentity reads the participant claims out of the request JWT,
// `Authorization: Bearer` first and the `token` query parameter as the
// fallback for browser websocket clients that cannot set headers.
// Parsed claims are cached by raw token.
type JwtIdentity struct {
	cache *ttlcache.Cache[string, Participant]
}

func NewJwtIdentityWithDefaults(ctx context.Context) *JwtIdentity {
	return NewJwtIdentity(ctx, DefaultJwtIdentitySettings())
}

func NewJwtIdentity(ctx context.Context, settings *JwtIdentitySettings) *JwtIdentity {
	cache := ttlcache.New[string, Participant](
		ttlcache.WithTTL[string, Participant](settings.CacheTtl),
		ttlcache.WithCapacity[string, Participant](settings.CacheCapacity),
	)

	go cache.Start()

	go func() {
		<-ctx.Done()
		cache.Stop()
	}()

	return &JwtIdentity{
		cache: cache,
	}
}

func (self *JwtIdentity) Resolve(r *http.Request) (Participant, error) {
	token := requestToken(r)
	if token == "" {
		return Participant{}, fmt.Errorf("missing token")
	}

	if item := self.cache.Get(token); item != nil {
		return item.Value(), nil
	}

	participant, err := ParticipantFromJwtUnverified(token)
	if err != nil {
		return Participant{}, err
	}

	self.cache.Set(token, participant, 0)

	return participant, nil
}

func requestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return token
		}
	}
	return r.URL.Query().Get("token")
}

// ParticipantFromJwtUnverified extracts the participant claims without
// checking the signature.
func ParticipantFromJwtUnverified(jwt string) (Participant, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return Participant{}, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	participant := Participant{}
	if participantId, ok := claims["participant_id"].(string); ok {
		participant.ParticipantId = participantId
	}
	if name, ok := claims["name"].(string); ok {
		participant.Name = name
	}
	if color, ok := claims["color"].(string); ok {
		participant.Color = color
	}

	if participant.ParticipantId == "" {
		return Participant{}, fmt.Errorf("jwt missing participant_id")
	}

	return participant, nil
}
