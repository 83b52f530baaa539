package apigateway

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ============================================================================
// WebSocket 处理
// ============================================================================

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsRequest 客户端帧
type wsRequest struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
	Prompt  string `json:"prompt"`
}

// wsResponse 服务端帧
type wsResponse struct {
	Type string `json:"type"`
	PromptResponse
}

type wsError struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

// handleWebSocket 在一条连接上顺序处理多个 Prompt，每个 Prompt 使用新线程
func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var req wsRequest
		if err := json.Unmarshal(message, &req); err != nil {
			conn.WriteJSON(wsError{Type: "error", Detail: err.Error()})
			continue
		}

		switch req.Type {
		case "prompt":
			res, err := g.agents.SendPrompt(ctx, req.AgentID, req.Prompt)
			if err != nil {
				conn.WriteJSON(wsError{Type: "error", Detail: err.Error()})
				continue
			}
			if err := conn.WriteJSON(wsResponse{Type: "response", PromptResponse: newPromptResponse(res)}); err != nil {
				log.Debug().Err(err).Msg("WebSocket 写入失败")
				return
			}

		default:
			conn.WriteJSON(wsError{Type: "error", Detail: "unsupported message type: " + req.Type})
		}
	}
}
