package idp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://id.test"
	testAudience = "carebook"
	testKeyID    = "test-key-1"
)

func newTestKeyServer(t *testing.T, pub *rsa.PublicKey, failing *atomic.Bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing != nil && failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		e := big.NewInt(int64(pub.E))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": testKeyID,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(e.Bytes()),
			}},
		})
	}))
}

func signTestToken(t *testing.T, key *rsa.PrivateKey, mutate func(jwt.MapClaims)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss":    testIssuer,
		"aud":    testAudience,
		"sub":    "idp|subject-1",
		"email":  "Pat@Example.com",
		"name":   "Pat Example",
		"iat":    time.Now().Unix(),
		"exp":    time.Now().Add(time.Hour).Unix(),
		"org_id": "org_ext_1",
	}
	if mutate != nil {
		mutate(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func newTestVerifier(t *testing.T, jwksURL string) *Verifier {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cache := NewKeyCache(logger, nil, jwksURL, 2*time.Second, 5*time.Minute)
	return NewVerifier(logger, cache, testIssuer, testAudience)
}

func TestVerifier_Verify(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	srv := newTestKeyServer(t, &key.PublicKey, nil)
	defer srv.Close()

	verifier := newTestVerifier(t, srv.URL)

	t.Run("valid_token", func(t *testing.T) {
		subject, err := verifier.Verify(context.Background(), signTestToken(t, key, nil))
		require.NoError(t, err)
		assert.Equal(t, "idp|subject-1", subject.ExternalID)
		assert.Equal(t, "pat@example.com", subject.Email)
		assert.Equal(t, "Pat Example", subject.Name)
		assert.Equal(t, "org_ext_1", subject.OrgHint)
		assert.False(t, subject.PractitionerIntent)
	})

	t.Run("practitioner_intent", func(t *testing.T) {
		raw := signTestToken(t, key, func(c jwt.MapClaims) {
			c["intent"] = "practitioner"
		})
		subject, err := verifier.Verify(context.Background(), raw)
		require.NoError(t, err)
		assert.True(t, subject.PractitionerIntent)
	})

	t.Run("expired_token", func(t *testing.T) {
		raw := signTestToken(t, key, func(c jwt.MapClaims) {
			c["exp"] = time.Now().Add(-time.Minute).Unix()
		})
		_, err := verifier.Verify(context.Background(), raw)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong_issuer", func(t *testing.T) {
		raw := signTestToken(t, key, func(c jwt.MapClaims) {
			c["iss"] = "https://evil.test"
		})
		_, err := verifier.Verify(context.Background(), raw)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong_signing_key", func(t *testing.T) {
		otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		_, err = verifier.Verify(context.Background(), signTestToken(t, otherKey, nil))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage_token", func(t *testing.T) {
		_, err := verifier.Verify(context.Background(), "not.a.jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("empty_token", func(t *testing.T) {
		_, err := verifier.Verify(context.Background(), "")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestVerifier_ProviderOutage(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var failing atomic.Bool
	srv := newTestKeyServer(t, &key.PublicKey, &failing)
	defer srv.Close()

	t.Run("cold_cache_fails_as_unavailable", func(t *testing.T) {
		failing.Store(true)
		verifier := newTestVerifier(t, srv.URL)
		_, err := verifier.Verify(context.Background(), signTestToken(t, key, nil))
		assert.ErrorIs(t, err, ErrProviderUnavailable)
	})

	t.Run("warm_cache_survives_outage", func(t *testing.T) {
		failing.Store(false)
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		// Zero TTL forces a refresh attempt on every call, exercising the
		// stale-key fallback.
		cache := NewKeyCache(logger, nil, srv.URL, 2*time.Second, 0)
		verifier := NewVerifier(logger, cache, testIssuer, testAudience)

		_, err := verifier.Verify(context.Background(), signTestToken(t, key, nil))
		require.NoError(t, err)

		failing.Store(true)
		_, err = verifier.Verify(context.Background(), signTestToken(t, key, nil))
		assert.NoError(t, err)
	})
}
