package authorization

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminRequestMailBody(t *testing.T) {
	mailer := &adminRequestMailer{from: "noreply@omnisage.dev", to: "ops@omnisage.dev"}
	user := &User{
		ID:          7,
		Username:    "nova",
		DisplayName: "Nova\r\nBcc: sneak@evil.dev",
		Email:       "nova@example.com",
	}
	payload := &adminRequestPayload{Source: "settings-page", Message: "  需要管理知识库  "}
	sent := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	raw := string(mailer.buildMail(user, payload, sent))
	headers, body, found := strings.Cut(raw, "\r\n\r\n")
	require.True(t, found)

	assert.Contains(t, headers, "From: noreply@omnisage.dev")
	assert.Contains(t, headers, "To: ops@omnisage.dev")
	assert.Contains(t, headers, "Subject: "+defaultAdminMailSubject)
	assert.NotContains(t, headers, "Bcc:")

	assert.Contains(t, body, "User ID: 7")
	assert.Contains(t, body, "Username: nova")
	assert.Contains(t, body, "Source: settings-page")
	assert.Contains(t, body, "需要管理知识库")
	// 换行被压平后注入的伪邮件头只能出现在正文字段里。
	assert.Contains(t, body, "Display Name: Nova  Bcc: sneak@evil.dev")
}

func TestAdminRequestMailSkipsEmptyFields(t *testing.T) {
	mailer := &adminRequestMailer{from: "noreply@omnisage.dev", to: "ops@omnisage.dev"}
	user := &User{ID: 3, Username: "kei"}

	raw := string(mailer.buildMail(user, nil, time.Now().UTC()))
	assert.NotContains(t, raw, "Display Name:")
	assert.NotContains(t, raw, "Email:")
	assert.NotContains(t, raw, "Additional Message:")
}

func TestEncodeSubject(t *testing.T) {
	assert.Equal(t, "Admin Access Request", encodeSubject("Admin Access Request"))
	assert.Equal(t, "", encodeSubject(""))

	encoded := encodeSubject("管理员申请")
	assert.True(t, strings.HasPrefix(encoded, "=?UTF-8?B?"))
	assert.True(t, strings.HasSuffix(encoded, "?="))
}

func TestNewAdminRequestMailerFromEnvRequiresConfig(t *testing.T) {
	t.Setenv("ADMIN_REQUEST_RECIPIENT_EMAIL", "")
	t.Setenv("ADMIN_REQUEST_SMTP_HOST", "")

	_, err := newAdminRequestMailerFromEnv()
	require.Error(t, err)

	t.Setenv("ADMIN_REQUEST_RECIPIENT_EMAIL", "ops@omnisage.dev")
	t.Setenv("ADMIN_REQUEST_SMTP_HOST", "smtp.omnisage.dev")
	t.Setenv("ADMIN_REQUEST_SMTP_USERNAME", "mailer")
	t.Setenv("ADMIN_REQUEST_SMTP_PASSWORD", "secret")
	t.Setenv("ADMIN_REQUEST_SMTP_PORT", "not-a-port")

	_, err = newAdminRequestMailerFromEnv()
	require.Error(t, err)

	t.Setenv("ADMIN_REQUEST_SMTP_PORT", "2525")
	mailer, err := newAdminRequestMailerFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "smtp.omnisage.dev:2525", mailer.addr)
	assert.Equal(t, "mailer", mailer.from, "未配置发件人时回退到 SMTP 用户名")
}
