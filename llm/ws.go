package llm

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var chatUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleChatWS 通过 WebSocket 转发输出片段:客户端发送一条请求 JSON,
// 服务端回传 {"chunk":...} 序列,以 {"done":true} 结束。
func (m *Module) handleChatWS(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := chatUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("llm: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	var req ChatRequest
	if err := conn.ReadJSON(&req); err != nil {
		_ = conn.WriteJSON(gin.H{"error": "invalid request payload"})
		return
	}

	emit := func(fragment string) error {
		return conn.WriteJSON(gin.H{"chunk": fragment})
	}

	conversationID, err := m.ProcessMessage(c.Request.Context(), userID, req, emit)
	if err != nil {
		_ = conn.WriteJSON(gin.H{"error": err.Error()})
		return
	}
	done := gin.H{"done": true}
	if conversationID > 0 {
		done["conversation_id"] = conversationID
	}
	_ = conn.WriteJSON(done)
}
