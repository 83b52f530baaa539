package apigateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/rs/zerolog/log"

	"github.com/agentflow/foundry-gateway/agentgateway"
)

// ============================================================================
// HTTP 处理器
// ============================================================================

// CreateAgentRequest 创建 Agent 请求，支持 multipart/form 与 JSON
type CreateAgentRequest struct {
	Name         string `form:"name" json:"name"`
	Instructions string `form:"instructions" json:"instructions"`
}

// CreateAgentResponse 创建 Agent 响应
type CreateAgentResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Instructions  string `json:"instructions"`
	Status        string `json:"status"`
	FileProcessed bool   `json:"file_processed"`
}

// handleCreateAgent 创建 Agent，可选附带一个 file_search 文件
func (g *Gateway) handleCreateAgent(c *gin.Context) {
	var req CreateAgentRequest
	if err := c.ShouldBind(&req); err != nil {
		writeError(c, invalidBody(err))
		return
	}

	in := agentgateway.CreateAgentInput{
		Name:         req.Name,
		Instructions: req.Instructions,
	}

	if c.ContentType() == binding.MIMEMultipartPOSTForm {
		fh, err := c.FormFile("file")
		switch {
		case errors.Is(err, http.ErrMissingFile):
		case err != nil:
			writeError(c, invalidBody(err))
			return
		default:
			f, err := fh.Open()
			if err != nil {
				writeError(c, err)
				return
			}
			defer f.Close()
			in.File = &agentgateway.Upload{Filename: fh.Filename, Content: f}
		}
	}

	agent, err := g.agents.CreateAgent(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, CreateAgentResponse{
		ID:            agent.ID,
		Name:          agent.Name,
		Instructions:  agent.Instructions,
		Status:        "created",
		FileProcessed: agent.FileProcessed,
	})
}

// handleListAgents 列出 Agent
func (g *Gateway) handleListAgents(c *gin.Context) {
	agents, err := g.agents.ListAgents(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agents)
}

// PromptRequest Prompt 请求
type PromptRequest struct {
	Prompt string `json:"prompt"`
}

// PromptResponse Prompt 响应
//
// 完成时只有 response (空回复也会输出)，未完成时只有 status 与 detail。
type PromptResponse struct {
	Response *string `json:"response,omitempty"`
	Status   string  `json:"status,omitempty"`
	Detail   string  `json:"detail,omitempty"`
	AgentID  string  `json:"agent_id"`
	ThreadID string  `json:"thread_id"`
}

func newPromptResponse(res *agentgateway.PromptResult) PromptResponse {
	resp := PromptResponse{
		AgentID:  res.AgentID,
		ThreadID: res.ThreadID,
	}
	if res.Completed() {
		text := res.Response
		resp.Response = &text
	} else {
		resp.Status = res.Status
		resp.Detail = res.Detail
	}
	return resp
}

// handleSendPrompt 在新线程上执行一次 Prompt
func (g *Gateway) handleSendPrompt(c *gin.Context) {
	var req PromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidBody(err))
		return
	}

	res, err := g.agents.SendPrompt(c.Request.Context(), c.Param("agent_id"), req.Prompt)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, newPromptResponse(res))
}

// handleHealth 健康检查
func (g *Gateway) handleHealth(c *gin.Context) {
	monitor := g.agents.Monitor()
	h := monitor.Health()
	c.JSON(http.StatusOK, gin.H{
		"status": h.Status,
		"checks": h.Checks,
		"stats":  monitor.Stats(),
		"time":   time.Now().Unix(),
	})
}

// ============================================================================
// 错误映射
// ============================================================================

func invalidBody(err error) error {
	return &agentgateway.Error{Kind: agentgateway.KindInvalidInput, Op: "bind", Err: err}
}

// writeError 输入错误返回 400，其余一律 500，detail 为原始错误信息
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if agentgateway.KindOf(err) == agentgateway.KindInvalidInput {
		status = http.StatusBadRequest
	}

	log.Debug().
		Err(err).
		Str("path", c.FullPath()).
		Int("status", status).
		Msg("请求失败")

	c.JSON(status, gin.H{"detail": err.Error()})
}
