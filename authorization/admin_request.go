package authorization

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/smtp"
	"os"
	"strconv"
	"strings"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const defaultAdminMailSubject = "Admin Access Request"

// adminRequestPayload 是前端随申请附带的可选说明。
type adminRequestPayload struct {
	Source   string `json:"source"`
	Message  string `json:"message"`
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
}

// adminRequestMailer notifies the operator by mail whenever someone
// requests admin access. Plain net/smtp is enough for a single
// fire-and-forget notification.
type adminRequestMailer struct {
	addr    string
	auth    smtp.Auth
	from    string
	to      string
	subject string
}

// newAdminRequestMailerFromEnv 读取 ADMIN_REQUEST_* 环境变量。配置不全时
// 返回错误,调用方记录日志后继续运行,申请接口照常可用只是不发邮件。
func newAdminRequestMailerFromEnv() (*adminRequestMailer, error) {
	host := strings.TrimSpace(os.Getenv("ADMIN_REQUEST_SMTP_HOST"))
	to := mailSafe(os.Getenv("ADMIN_REQUEST_RECIPIENT_EMAIL"))
	username := strings.TrimSpace(os.Getenv("ADMIN_REQUEST_SMTP_USERNAME"))
	password := os.Getenv("ADMIN_REQUEST_SMTP_PASSWORD")

	switch {
	case to == "":
		return nil, errors.New("authorization: admin request recipient not configured")
	case host == "":
		return nil, errors.New("authorization: admin request smtp host not configured")
	case username == "" || strings.TrimSpace(password) == "":
		return nil, errors.New("authorization: admin request smtp credentials not configured")
	}

	portValue := strings.TrimSpace(os.Getenv("ADMIN_REQUEST_SMTP_PORT"))
	if portValue == "" {
		portValue = "587"
	}
	port, err := strconv.Atoi(portValue)
	if err != nil || port <= 0 {
		return nil, fmt.Errorf("authorization: bad admin request smtp port %q", portValue)
	}

	from := mailSafe(os.Getenv("ADMIN_REQUEST_MAIL_FROM"))
	if from == "" {
		from = username
	}

	return &adminRequestMailer{
		addr:    fmt.Sprintf("%s:%d", host, port),
		auth:    smtp.PlainAuth("", username, password, host),
		from:    from,
		to:      to,
		subject: mailSafe(os.Getenv("ADMIN_REQUEST_MAIL_SUBJECT")),
	}, nil
}

// Send 把申请详情寄给运营者。
func (m *adminRequestMailer) Send(user *User, payload *adminRequestPayload) error {
	if m == nil {
		return errors.New("authorization: admin request mailer not configured")
	}
	if user == nil {
		return errors.New("authorization: user required for admin request mail")
	}
	return smtp.SendMail(m.addr, m.auth, m.from, []string{m.to}, m.buildMail(user, payload, time.Now().UTC()))
}

func (m *adminRequestMailer) buildMail(user *User, payload *adminRequestPayload, now time.Time) []byte {
	subject := m.subject
	if subject == "" {
		subject = defaultAdminMailSubject
	}

	fields := []struct {
		label string
		value string
	}{
		{"User ID", strconv.FormatUint(uint64(user.ID), 10)},
		{"Username", mailSafe(user.Username)},
		{"Display Name", mailSafe(user.DisplayName)},
		{"Email", mailSafe(user.Email)},
		{"Requested At (UTC)", now.Format(time.RFC3339)},
	}
	if payload != nil {
		if payload.UserID != 0 {
			fields = append(fields, struct{ label, value string }{"Client Reported User ID", strconv.FormatUint(uint64(payload.UserID), 10)})
		}
		fields = append(fields,
			struct{ label, value string }{"Client Reported Username", mailSafe(payload.Username)},
			struct{ label, value string }{"Source", mailSafe(payload.Source)},
		)
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", m.from)
	fmt.Fprintf(&msg, "To: %s\r\n", m.to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", encodeSubject(subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	fmt.Fprintf(&msg, "Date: %s\r\n\r\n", now.Format(time.RFC1123Z))

	msg.WriteString("A new administrator access request has been submitted.\r\n\r\n")
	for _, field := range fields {
		if field.value == "" {
			continue
		}
		fmt.Fprintf(&msg, "%s: %s\r\n", field.label, field.value)
	}
	if payload != nil && strings.TrimSpace(payload.Message) != "" {
		msg.WriteString("\r\nAdditional Message:\r\n")
		msg.WriteString(strings.TrimSpace(payload.Message))
		msg.WriteString("\r\n")
	}

	return []byte(msg.String())
}

// encodeSubject base64 编码含非 ASCII 字符的邮件主题 (RFC 2047)。
func encodeSubject(subject string) string {
	ascii := true
	for i := 0; i < len(subject); i++ {
		if subject[i] >= 0x80 {
			ascii = false
			break
		}
	}
	if subject == "" || ascii {
		return subject
	}
	return fmt.Sprintf("=?UTF-8?B?%s?=", base64.StdEncoding.EncodeToString([]byte(subject)))
}

// mailSafe 去掉换行,防止请求内容注入额外邮件头。
func mailSafe(value string) string {
	trimmed := strings.TrimSpace(value)
	trimmed = strings.ReplaceAll(trimmed, "\r", " ")
	return strings.ReplaceAll(trimmed, "\n", " ")
}

// handleAdminRequest 授予申请者 admin 角色并通知运营者。
func (m *Module) handleAdminRequest(c *gin.Context) {
	if m == nil || m.userStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "admin request service unavailable"})
		return
	}

	var payload adminRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		// 空请求体允许,格式错误的 JSON 不允许。
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	userID := extractUserID(jwt.ExtractClaims(c))
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	ctx := c.Request.Context()
	user, err := m.userStore.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load user"})
		}
		return
	}

	assigned, err := m.userStore.GrantRoleByCode(ctx, userID, adminRoleCode)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "admin role not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to grant admin role"})
		}
		return
	}

	roles, err := m.userStore.FindRoleNames(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load roles"})
		return
	}

	message := "admin role already assigned"
	if assigned {
		message = "admin role granted"
	}

	response := gin.H{
		"message":  message,
		"assigned": assigned,
		"roles":    roles,
		"user":     buildUserPayload(ctx, m.avatarStorage, user, roles),
	}

	if m.adminMailer != nil {
		if err := m.adminMailer.Send(user, &payload); err != nil {
			log.Printf("authorization: send admin request mail: %v", err)
			response["warning"] = "failed to notify administrator"
		}
	}

	c.JSON(http.StatusOK, response)
}
