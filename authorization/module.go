package authorization

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	filestore "omnisage_back/storage"
)

const (
	identityKey    = "user_id"
	defaultTimeout = time.Hour
)

const userAvatarURLExpiry = 15 * time.Minute

var (
	ErrUsernameTaken      = errors.New("authorization: username already exists")
	ErrWeakPassword       = errors.New("authorization: password must be at least 6 characters")
	ErrInvalidDisplayName = errors.New("authorization: display name cannot be empty")
)

// Module 聚合认证路由依赖的存储与中间件。
type Module struct {
	db            *gorm.DB
	userStore     *UserStore
	jwtMiddleware *jwt.GinJWTMiddleware
	captcha       *CaptchaStore
	avatarStorage *filestore.AvatarStorage
	adminMailer   *adminRequestMailer
}

// RegisterRoutes bootstraps the authentication endpoints under /auth.
func RegisterRoutes(router *gin.Engine) (*Module, error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_DSN"))
	if dsn == "" {
		return nil, errors.New("authorization: DATABASE_DSN environment variable is required")
	}

	driver := strings.TrimSpace(os.Getenv("DATABASE_DRIVER"))
	if driver == "" {
		driver = inferDriverFromDSN(dsn)
		if driver == "" {
			return nil, errors.New("authorization: DATABASE_DRIVER environment variable is required when DSN does not contain a scheme")
		}
	}

	db, err := openDatabase(driver, dsn)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&User{}, &Role{}, &UserRole{}); err != nil {
		return nil, fmt.Errorf("authorization: migrate models: %w", err)
	}

	userStore := &UserStore{db: db}
	if err := userStore.SeedDefaultRoles(context.Background()); err != nil {
		return nil, fmt.Errorf("authorization: seed roles: %w", err)
	}

	captchaStore := NewCaptchaStore(3 * time.Minute)
	avatarStore, err := filestore.NewAvatarStorageFromEnv()
	if err != nil {
		return nil, err
	}
	authService := &AuthService{users: userStore}

	adminMailer, err := newAdminRequestMailerFromEnv()
	if err != nil {
		log.Printf("authorization: admin request mail disabled: %v", err)
	}

	middleware, err := buildJWTMiddleware(authService, avatarStore)
	if err != nil {
		return nil, err
	}

	module := &Module{
		db:            db,
		userStore:     userStore,
		jwtMiddleware: middleware,
		captcha:       captchaStore,
		avatarStorage: avatarStore,
		adminMailer:   adminMailer,
	}

	authGroup := router.Group("/auth")
	authGroup.GET("/captcha", func(c *gin.Context) {
		challenge, err := captchaStore.Issue()
		if err != nil || challenge.ID == "" {
			log.Printf("authorization: issue captcha: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate captcha"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"captcha_id": challenge.ID,
			"image":      challenge.ImageBase64,
			"expires_in": int(challenge.TTL.Seconds()),
			"expires_at": challenge.ExpiresAt.UTC(),
		})
	})
	authGroup.POST("/register", func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
			return
		}

		if captchaStore != nil && !captchaStore.Verify(req.CaptchaID, req.CaptchaAnswer) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid captcha"})
			return
		}

		displayName := strings.TrimSpace(req.DisplayName)
		if displayName == "" {
			displayName = req.Username
		}

		ctx := c.Request.Context()
		user, err := authService.Register(ctx, RegisterParams{
			Username:    req.Username,
			Password:    req.Password,
			DisplayName: displayName,
			Email:       req.Email,
			AvatarURL:   req.AvatarURL,
			Bio:         req.Bio,
		})
		if err != nil {
			switch {
			case errors.Is(err, jwt.ErrMissingLoginValues):
				c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
			case errors.Is(err, ErrWeakPassword):
				c.JSON(http.StatusBadRequest, gin.H{"error": ErrWeakPassword.Error()})
			case errors.Is(err, ErrUsernameTaken):
				c.JSON(http.StatusConflict, gin.H{"error": "username already exists"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register"})
			}
			return
		}

		roles, err := userStore.FindRoleNames(ctx, user.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load user roles"})
			return
		}

		c.JSON(http.StatusCreated, gin.H{"user": buildUserPayload(ctx, avatarStore, user, roles)})
	})

	authGroup.POST("/login", func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if len(body) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
			return
		}

		var req LoginRequest
		if err := json.Unmarshal(body, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
			return
		}

		if captchaStore != nil && !captchaStore.Verify(req.CaptchaID, req.CaptchaAnswer) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid captcha"})
			return
		}

		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		middleware.LoginHandler(c)
	})
	authGroup.POST("/refresh", middleware.RefreshHandler)

	secured := authGroup.Group("")
	secured.Use(middleware.MiddlewareFunc())
	secured.GET("/profile", func(c *gin.Context) {
		claims := jwt.ExtractClaims(c)
		userID := extractUserID(claims)
		if userID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		ctx := c.Request.Context()
		user, err := userStore.FindByID(ctx, userID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load user"})
			return
		}

		roles, err := userStore.FindRoleNames(ctx, userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load roles"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"user": buildUserPayload(ctx, avatarStore, user, roles)})
	})

	secured.PUT("/profile", func(c *gin.Context) {
		var req UpdateProfileRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
			return
		}
		if req.DisplayName == nil && req.AvatarURL == nil && req.Bio == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no fields to update"})
			return
		}

		claims := jwt.ExtractClaims(c)
		userID := extractUserID(claims)
		if userID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		ctx := c.Request.Context()
		updated, err := userStore.UpdateProfile(ctx, userID, UpdateProfileParams{
			DisplayName: req.DisplayName,
			AvatarURL:   req.AvatarURL,
			Bio:         req.Bio,
		})
		if err != nil {
			switch {
			case errors.Is(err, ErrInvalidDisplayName):
				c.JSON(http.StatusBadRequest, gin.H{"error": ErrInvalidDisplayName.Error()})
			case errors.Is(err, gorm.ErrRecordNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update profile"})
			}
			return
		}

		roles, err := userStore.FindRoleNames(ctx, userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load roles"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"user": buildUserPayload(ctx, avatarStore, updated, roles)})
	})

	secured.POST("/profile/avatar", func(c *gin.Context) {
		if avatarStore == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "avatar upload not configured"})
			return
		}

		claims := jwt.ExtractClaims(c)
		userID := extractUserID(claims)
		if userID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		file, err := c.FormFile("avatar")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "avatar file is required"})
			return
		}

		ctx := c.Request.Context()
		existing, err := userStore.FindByID(ctx, userID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			} else {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load user"})
			}
			return
		}

		var oldAvatar string
		if existing.AvatarURL != nil {
			oldAvatar = strings.TrimSpace(*existing.AvatarURL)
		}

		uploaded, err := avatarStore.Upload(ctx, file, "users", fmt.Sprintf("%d", userID))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to upload avatar", "details": err.Error()})
			return
		}

		updated, err := userStore.UpdateProfile(ctx, userID, UpdateProfileParams{AvatarURL: &uploaded})
		if err != nil {
			_ = avatarStore.Remove(ctx, uploaded)
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update profile"})
			}
			return
		}

		if oldAvatar != "" && oldAvatar != uploaded {
			_ = avatarStore.Remove(ctx, oldAvatar)
		}

		roles, err := userStore.FindRoleNames(ctx, userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load roles"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"user": buildUserPayload(ctx, avatarStore, updated, roles)})
	})

	secured.POST("/admin-request", module.handleAdminRequest)

	return module, nil
}

func (m *Module) Middleware() gin.HandlerFunc {
	if m == nil || m.jwtMiddleware == nil {
		return nil
	}
	return m.jwtMiddleware.MiddlewareFunc()
}

func openDatabase(driver, dsn string) (*gorm.DB, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pg":
		return gorm.Open(postgres.Open(dsn), &gorm.Config{NowFunc: func() time.Time { return time.Now().UTC() }})
	case "mysql":
		return gorm.Open(mysql.Open(dsn), &gorm.Config{NowFunc: func() time.Time { return time.Now().UTC() }})
	case "sqlite", "sqlite3":
		return gorm.Open(sqlite.Open(dsn), &gorm.Config{NowFunc: func() time.Time { return time.Now().UTC() }})
	default:
		return nil, fmt.Errorf("authorization: unsupported database driver %q", driver)
	}
}

func inferDriverFromDSN(dsn string) string {
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(lower, "mysql://"):
		return "mysql"
	case strings.HasPrefix(lower, "sqlite://"), strings.HasSuffix(lower, ".db"), strings.HasSuffix(lower, ".sqlite"):
		return "sqlite"
	default:
		return ""
	}
}

func buildJWTMiddleware(service *AuthService, store *filestore.AvatarStorage) (*jwt.GinJWTMiddleware, error) {
	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		return nil, errors.New("authorization: JWT_SECRET environment variable is required")
	}

	return jwt.New(&jwt.GinJWTMiddleware{
		Realm:       "omnisage",
		Key:         []byte(secret),
		Timeout:     defaultTimeout,
		MaxRefresh:  24 * time.Hour,
		IdentityKey: identityKey,
		PayloadFunc: func(data interface{}) jwt.MapClaims {
			if user, ok := data.(*AuthenticatedUser); ok {
				return jwt.MapClaims{
					identityKey: user.ID,
					"username":  user.Username,
					"roles":     user.Roles,
				}
			}
			return jwt.MapClaims{}
		},
		IdentityHandler: func(c *gin.Context) interface{} {
			claims := jwt.ExtractClaims(c)
			id := extractUserID(claims)
			username, _ := claims["username"].(string)
			return &AuthenticatedUser{ID: id, Username: username, Roles: extractRoles(claims)}
		},
		Authenticator: func(c *gin.Context) (interface{}, error) {
			var req LoginRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				return nil, jwt.ErrMissingLoginValues
			}

			user, err := service.Authenticate(c.Request.Context(), req.Username, req.Password)
			if err != nil {
				return nil, err
			}

			c.Set("authenticated_user", user)

			return user, nil
		},
		Authorizator: func(data interface{}, c *gin.Context) bool {
			_, ok := data.(*AuthenticatedUser)
			return ok
		},
		Unauthorized: func(c *gin.Context, code int, message string) {
			c.JSON(code, gin.H{"error": message})
		},
		LoginResponse: func(c *gin.Context, code int, token string, expire time.Time) {
			response := gin.H{
				"token":  token,
				"expire": expire,
			}

			if value, ok := c.Get("authenticated_user"); ok {
				if authUser, ok := value.(*AuthenticatedUser); ok && authUser != nil {
					if user, err := service.users.TouchLastLogin(c.Request.Context(), authUser.ID); err == nil {
						roles := authUser.Roles
						if roles == nil {
							roles = []string{}
						}
						response["user"] = buildUserPayload(c.Request.Context(), store, user, roles)
					}
				}
			} else {
				claims := jwt.ExtractClaims(c)
				userID := extractUserID(claims)
				if userID != 0 {
					if user, err := service.users.FindByID(c.Request.Context(), userID); err == nil {
						roles := extractRoles(claims)
						response["user"] = buildUserPayload(c.Request.Context(), store, user, roles)
					}
				}
			}

			c.JSON(code, response)
		},
		RefreshResponse: func(c *gin.Context, code int, token string, expire time.Time) {
			response := gin.H{
				"token":  token,
				"expire": expire,
			}

			claims := jwt.ExtractClaims(c)
			userID := extractUserID(claims)
			roles := extractRoles(claims)

			if userID != 0 {
				if user, err := service.users.FindByID(c.Request.Context(), userID); err == nil {
					response["user"] = buildUserPayload(c.Request.Context(), store, user, roles)
				}
			}

			c.JSON(code, response)
		},
		TokenLookup:   "header: Authorization, cookie: jwt, cookie: token",
		TokenHeadName: "Bearer",
		TimeFunc:      time.Now,
	})
}

// LoginRequest represents the expected payload for the login endpoint.
type LoginRequest struct {
	Username      string `json:"username" binding:"required"`
	Password      string `json:"password" binding:"required"`
	CaptchaID     string `json:"captcha_id" binding:"required"`
	CaptchaAnswer string `json:"captcha_answer" binding:"required"`
}

// RegisterRequest captures the payload for user registration.
type RegisterRequest struct {
	Username      string  `json:"username" binding:"required"`
	Password      string  `json:"password" binding:"required,min=6"`
	DisplayName   string  `json:"display_name"`
	Email         string  `json:"email"`
	CaptchaID     string  `json:"captcha_id" binding:"required"`
	CaptchaAnswer string  `json:"captcha_answer" binding:"required"`
	AvatarURL     *string `json:"avatar_url"`
	Bio           *string `json:"bio"`
}

// UpdateProfileRequest captures profile update fields.
type UpdateProfileRequest struct {
	DisplayName *string `json:"display_name"`
	AvatarURL   *string `json:"avatar_url"`
	Bio         *string `json:"bio"`
}

// AuthenticatedUser is the minimal identity stored inside JWT claims.
type AuthenticatedUser struct {
	ID       uint
	Username string
	Roles    []string
}

// AuthService handles registration and credential checks.
type AuthService struct {
	users *UserStore
}

// Authenticate validates the given credentials and returns an authenticated user.
func (s *AuthService) Authenticate(ctx context.Context, username, password string) (*AuthenticatedUser, error) {
	if strings.TrimSpace(username) == "" || strings.TrimSpace(password) == "" {
		return nil, jwt.ErrMissingLoginValues
	}

	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, jwt.ErrFailedAuthentication
		}
		return nil, fmt.Errorf("authorization: authenticate user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, jwt.ErrFailedAuthentication
	}

	roleNames, err := s.users.FindRoleNames(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("authorization: load roles: %w", err)
	}

	return &AuthenticatedUser{ID: user.ID, Username: user.Username, Roles: roleNames}, nil
}

// RegisterParams 描述注册新用户所需的字段。
type RegisterParams struct {
	Username    string
	Password    string
	DisplayName string
	Email       string
	AvatarURL   *string
	Bio         *string
}

// Register creates a new user, hashes the password and assigns the default role.
func (s *AuthService) Register(ctx context.Context, params RegisterParams) (*User, error) {
	username := strings.TrimSpace(params.Username)
	password := strings.TrimSpace(params.Password)
	displayName := strings.TrimSpace(params.DisplayName)

	if username == "" || password == "" {
		return nil, jwt.ErrMissingLoginValues
	}
	if len(password) < 6 {
		return nil, ErrWeakPassword
	}
	if displayName == "" {
		displayName = username
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("authorization: hash password: %w", err)
	}

	user := &User{
		Username:     username,
		PasswordHash: string(hash),
		DisplayName:  displayName,
		Email:        strings.TrimSpace(params.Email),
		AvatarURL:    trimmedOrNil(params.AvatarURL),
		Bio:          trimmedOrNil(params.Bio),
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("authorization: create user: %w", err)
	}

	// 注册成功后授予默认角色，失败只记录日志。
	if _, err := s.users.GrantRoleByCode(ctx, user.ID, defaultRoleCode); err != nil {
		log.Printf("authorization: assign default role: %v", err)
	}

	return user, nil
}

func trimmedOrNil(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
