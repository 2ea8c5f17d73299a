package keeper

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func newTestTokenService(t *testing.T) (*TokenService, *RedisCache) {
	t.Helper()
	_, client := newTestRedis(t)
	cache := NewRedisCache(client, "test:")
	settings := testSettings()
	return NewTokenService(newSigner(settings), cache, newTestPool(t), settings.Auth, discardLogger()), cache
}

func TestIssueSignsWithSeparateSecrets(t *testing.T) {
	svc, _ := newTestTokenService(t)
	pair, err := svc.Issue(context.Background(), &Principal{ID: 42})
	require.NoError(t, err)

	claims, err := svc.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	id, err := claims.PrincipalID()
	require.NoError(t, err)
	require.EqualValues(t, 42, id)
	require.Equal(t, "keeper-test", claims.Issuer)
	require.NotEmpty(t, claims.ID)

	refresh, err := svc.VerifyRefresh(pair.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, claims.ID, refresh.ID)

	_, err = svc.VerifyAccess(pair.RefreshToken)
	require.ErrorIs(t, err, ErrUnauthorized)
	require.ErrorIs(t, err, ErrInvalidSigningKey)
	_, err = svc.VerifyRefresh(pair.AccessToken)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestExpiredTokenIsRejected(t *testing.T) {
	signer := &jwtSigner{issuer: "keeper-test", now: func() time.Time { return time.Now().Add(-2 * time.Hour) }}
	token, err := signer.Sign(TokenClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "1"}}, SignOptions{Secret: "s", Expiry: time.Hour})
	require.NoError(t, err)

	_, err = signer.Verify(token, "s")
	require.ErrorIs(t, err, jwt.ErrTokenExpired)

	// 时钟偏差容忍范围内仍然有效
	lenient := &jwtSigner{issuer: "keeper-test", leeway: 2 * time.Hour, now: time.Now}
	_, err = lenient.Verify(token, "s")
	require.NoError(t, err)
}

func TestParseTokenErrors(t *testing.T) {
	_, err := ParseToken[*TokenClaims]("", "s")
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = ParseToken[*TokenClaims]("not.a.token", "s")
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = ParseToken[*TokenClaims]("x", "")
	require.ErrorIs(t, err, ErrInvalidSigningKey)

	_, err = NewToken(&TokenClaims{}, "")
	require.ErrorIs(t, err, ErrInvalidSigningKey)

	// 非 HS256 签名被拒绝
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, &TokenClaims{}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = ParseToken[*TokenClaims](none, "s")
	require.Error(t, err)
}

func TestPrincipalIDRequiresNumericSubject(t *testing.T) {
	c := &TokenClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "abc"}}
	_, err := c.PrincipalID()
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestLogoutBlocksToken(t *testing.T) {
	svc, cache := newTestTokenService(t)
	ctx := context.Background()
	pair, err := svc.Issue(ctx, &Principal{ID: 7})
	require.NoError(t, err)

	require.False(t, svc.IsBlocked(ctx, pair.AccessToken))
	require.NoError(t, svc.Logout(ctx, "bearer "+pair.AccessToken))
	require.True(t, svc.IsBlocked(ctx, pair.AccessToken))

	_, found, err := cache.Get(ctx, blockedTokenKey(pair.AccessToken))
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, svc.Logout(ctx, ""))
}

func TestRefreshBlocksPreviousPair(t *testing.T) {
	svc, _ := newTestTokenService(t)
	ctx := context.Background()
	p := &Principal{ID: 9}
	old, err := svc.Issue(ctx, p)
	require.NoError(t, err)

	next, err := svc.Refresh(ctx, p, old)
	require.NoError(t, err)
	require.True(t, svc.IsBlocked(ctx, old.AccessToken))
	require.True(t, svc.IsBlocked(ctx, old.RefreshToken))
	require.False(t, svc.IsBlocked(ctx, next.AccessToken))
	require.False(t, svc.IsBlocked(ctx, next.RefreshToken))
}

func TestIsBlockedFailsOpenWhenCacheDown(t *testing.T) {
	mr, client := newTestRedis(t)
	settings := testSettings()
	svc := NewTokenService(newSigner(settings), NewRedisCache(client, ""), nil, settings.Auth, discardLogger())
	ctx := context.Background()

	require.NoError(t, svc.Logout(ctx, "Bearer abc"))
	mr.Close()
	require.False(t, svc.IsBlocked(ctx, "abc"))
}

func TestStripBearer(t *testing.T) {
	require.Equal(t, "abc", stripBearer("Bearer abc"))
	require.Equal(t, "abc", stripBearer("  BEARER   abc "))
	require.Equal(t, "abc", stripBearer("abc"))
	require.Equal(t, "", stripBearer(""))

	require.Equal(t, "abc", bearerToken("Bearer abc"))
	require.Equal(t, "", bearerToken("abc"))
	require.Equal(t, "", bearerToken("Basic abc"))
}
