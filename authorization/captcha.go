package authorization

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mojocn/base64Captcha"
)

// 图形验证码的画布尺寸固定,位数可通过 CAPTCHA_LENGTH 调整。
const (
	captchaHeight      = 60
	captchaWidth       = 160
	captchaDefaultLen  = 5
	captchaMaxSkew     = 0.7
	captchaDotCount    = 80
	captchaStoreSize   = 2048
	captchaDefaultTTL  = 2 * time.Minute
	captchaImagePrefix = "data:image/png;base64,"
)

// CaptchaChallenge 是下发给前端的一次性图形验证码。
type CaptchaChallenge struct {
	ID          string
	ImageBase64 string
	ExpiresAt   time.Time
	TTL         time.Duration
}

// CaptchaStore issues digit captchas and verifies answers against an
// in-memory store. Entries expire after the configured ttl and are
// consumed on first verification.
type CaptchaStore struct {
	mu     sync.Mutex
	driver *base64Captcha.DriverDigit
	store  base64Captcha.Store
	ttl    time.Duration
}

// NewCaptchaStore builds a store whose challenges live for ttl.
func NewCaptchaStore(ttl time.Duration) *CaptchaStore {
	if ttl <= 0 {
		ttl = captchaDefaultTTL
	}
	length := captchaDefaultLen
	if raw := strings.TrimSpace(os.Getenv("CAPTCHA_LENGTH")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 4 && parsed <= 8 {
			length = parsed
		}
	}
	return &CaptchaStore{
		driver: base64Captcha.NewDriverDigit(captchaHeight, captchaWidth, length, captchaMaxSkew, captchaDotCount),
		store:  base64Captcha.NewMemoryStore(captchaStoreSize, ttl),
		ttl:    ttl,
	}
}

// Issue 生成一条新的验证码,图片以 data URI 形式返回。
func (s *CaptchaStore) Issue() (CaptchaChallenge, error) {
	if s == nil {
		return CaptchaChallenge{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, image, _, err := base64Captcha.NewCaptcha(s.driver, s.store).Generate()
	if err != nil {
		return CaptchaChallenge{}, fmt.Errorf("authorization: generate captcha: %w", err)
	}

	image = strings.TrimSpace(image)
	if image != "" && !strings.HasPrefix(image, "data:") {
		image = captchaImagePrefix + image
	}

	return CaptchaChallenge{
		ID:          id,
		ImageBase64: image,
		ExpiresAt:   time.Now().Add(s.ttl),
		TTL:         s.ttl,
	}, nil
}

// Verify checks and consumes an answer. A nil store means captcha is
// disabled and everything passes; a blank id or answer never does.
func (s *CaptchaStore) Verify(id, answer string) bool {
	if s == nil {
		return true
	}

	id = strings.TrimSpace(id)
	answer = strings.TrimSpace(answer)
	if id == "" || answer == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return base64Captcha.NewCaptcha(s.driver, s.store).Verify(id, answer, true)
}
