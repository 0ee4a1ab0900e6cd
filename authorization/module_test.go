package authorization

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *UserStore {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&User{}, &Role{}, &UserRole{}))

	store := &UserStore{db: db}
	require.NoError(t, store.SeedDefaultRoles(context.Background()))
	return store
}

func TestRegisterAssignsDefaultRole(t *testing.T) {
	store := newTestStore(t)
	service := &AuthService{users: store}
	ctx := context.Background()

	user, err := service.Register(ctx, RegisterParams{
		Username:    "alice",
		Password:    "secret123",
		DisplayName: "Alice",
		Email:       "alice@example.com",
	})
	require.NoError(t, err)
	require.NotZero(t, user.ID)
	assert.NotEqual(t, "secret123", user.PasswordHash)

	roles, err := store.FindRoleNames(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"User"}, roles)
}

func TestRegisterRejectsWeakPassword(t *testing.T) {
	store := newTestStore(t)
	service := &AuthService{users: store}

	_, err := service.Register(context.Background(), RegisterParams{
		Username: "bob",
		Password: "123",
	})
	require.ErrorIs(t, err, ErrWeakPassword)
}

func TestRegisterRejectsDuplicateUsername(t *testing.T) {
	store := newTestStore(t)
	service := &AuthService{users: store}
	ctx := context.Background()

	_, err := service.Register(ctx, RegisterParams{Username: "carol", Password: "secret123"})
	require.NoError(t, err)

	_, err = service.Register(ctx, RegisterParams{Username: "carol", Password: "secret456"})
	require.Error(t, err)
}

func TestAuthenticate(t *testing.T) {
	store := newTestStore(t)
	service := &AuthService{users: store}
	ctx := context.Background()

	_, err := service.Register(ctx, RegisterParams{Username: "dave", Password: "secret123"})
	require.NoError(t, err)

	authUser, err := service.Authenticate(ctx, "dave", "secret123")
	require.NoError(t, err)
	assert.Equal(t, "dave", authUser.Username)
	assert.Contains(t, authUser.Roles, "User")

	_, err = service.Authenticate(ctx, "dave", "wrongpass")
	require.ErrorIs(t, err, jwt.ErrFailedAuthentication)

	_, err = service.Authenticate(ctx, "nobody", "secret123")
	require.ErrorIs(t, err, jwt.ErrFailedAuthentication)
}

func TestGrantRoleByCodeIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	service := &AuthService{users: store}
	ctx := context.Background()

	user, err := service.Register(ctx, RegisterParams{Username: "erin", Password: "secret123"})
	require.NoError(t, err)

	assigned, err := store.GrantRoleByCode(ctx, user.ID, adminRoleCode)
	require.NoError(t, err)
	assert.True(t, assigned)

	assigned, err = store.GrantRoleByCode(ctx, user.ID, adminRoleCode)
	require.NoError(t, err)
	assert.False(t, assigned)

	_, err = store.GrantRoleByCode(ctx, user.ID, "missing")
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)

	roles, err := store.FindRoleNames(ctx, user.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"User", "Administrator"}, roles)
}

func TestUpdateProfile(t *testing.T) {
	store := newTestStore(t)
	service := &AuthService{users: store}
	ctx := context.Background()

	user, err := service.Register(ctx, RegisterParams{Username: "frank", Password: "secret123"})
	require.NoError(t, err)

	empty := "   "
	_, err = store.UpdateProfile(ctx, user.ID, UpdateProfileParams{DisplayName: &empty})
	require.ErrorIs(t, err, ErrInvalidDisplayName)

	name := "Frank F."
	avatar := "http://cdn.example.com/frank.png"
	updated, err := store.UpdateProfile(ctx, user.ID, UpdateProfileParams{DisplayName: &name, AvatarURL: &avatar})
	require.NoError(t, err)
	assert.Equal(t, "Frank F.", updated.DisplayName)
	require.NotNil(t, updated.AvatarURL)
	assert.Equal(t, avatar, *updated.AvatarURL)

	blank := ""
	updated, err = store.UpdateProfile(ctx, user.ID, UpdateProfileParams{AvatarURL: &blank})
	require.NoError(t, err)
	assert.Nil(t, updated.AvatarURL)

	_, err = store.UpdateProfile(ctx, 99999, UpdateProfileParams{DisplayName: &name})
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestExtractUserIDHandlesClaimTypes(t *testing.T) {
	cases := []struct {
		name   string
		claims jwt.MapClaims
		want   uint
	}{
		{"float64", jwt.MapClaims{identityKey: float64(7)}, 7},
		{"int64", jwt.MapClaims{identityKey: int64(9)}, 9},
		{"uint", jwt.MapClaims{identityKey: uint(11)}, 11},
		{"missing", jwt.MapClaims{}, 0},
		{"nil", nil, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, extractUserID(tc.claims))
		})
	}
}

func claimsContext(t *testing.T, claims jwt.MapClaims) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	if claims != nil {
		c.Set("JWT_PAYLOAD", claims)
	}
	return c, recorder
}

func TestRequireAnyRole(t *testing.T) {
	guard := NewGuard(&jwt.GinJWTMiddleware{})

	t.Run("allows matching role", func(t *testing.T) {
		c, _ := claimsContext(t, jwt.MapClaims{identityKey: float64(1), "roles": []interface{}{"Admin"}})
		guard.RequireAnyRole("admin")(c)
		assert.False(t, c.IsAborted())
	})

	t.Run("forbids insufficient role", func(t *testing.T) {
		c, recorder := claimsContext(t, jwt.MapClaims{identityKey: float64(1), "roles": []interface{}{"User"}})
		guard.RequireAnyRole("admin")(c)
		assert.True(t, c.IsAborted())
		assert.Equal(t, http.StatusForbidden, recorder.Code)
	})

	t.Run("matches roles case-insensitively", func(t *testing.T) {
		c, _ := claimsContext(t, jwt.MapClaims{identityKey: float64(1), "roles": []interface{}{"ADMIN"}})
		guard.RequireAnyRole(" admin ")(c)
		assert.False(t, c.IsAborted())
	})

	t.Run("rejects missing claims", func(t *testing.T) {
		c, recorder := claimsContext(t, nil)
		guard.RequireAnyRole("admin")(c)
		assert.True(t, c.IsAborted())
		assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	})
}

func TestCaptchaVerifyRejectsBlankAnswer(t *testing.T) {
	store := NewCaptchaStore(time.Minute)

	challenge, err := store.Issue()
	require.NoError(t, err)
	require.NotEmpty(t, challenge.ID)
	assert.Contains(t, challenge.ImageBase64, "data:image/")

	assert.False(t, store.Verify(challenge.ID, ""))
	assert.False(t, store.Verify("", "12345"))
	assert.False(t, store.Verify(challenge.ID, "00000"))
}
