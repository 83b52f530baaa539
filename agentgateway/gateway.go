/*
Package agentgateway - Agent 网关

负责：
- 在平台上创建 Agent (可选附带文件检索工具)
- 列出 Agent
- 转发 Prompt：建线程、发消息、运行到终态、提取助手回复
- 指标与追踪

网关本身无状态，所有实体都由远端平台持有。
*/
package agentgateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ============================================================================
// 平台抽象
// ============================================================================

// RoleUser / RoleAssistant 消息角色
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// StatusCompleted Run 成功结束的状态
const StatusCompleted = "completed"

// Agent 平台上的 Agent
type Agent struct {
	ID           string
	Name         string
	Instructions string
	// 绑定了文件检索工具时为对应的向量库
	VectorStoreID string
}

// AgentSpec 创建 Agent 的参数
type AgentSpec struct {
	Model         string
	Name          string
	Instructions  string
	VectorStoreID string
}

// Content 消息内容块
type Content struct {
	Type string
	Text string
}

// Message 线程消息
type Message struct {
	ID       string
	Role     string
	Contents []Content
}

// FirstText 返回第一个文本内容
func (m Message) FirstText() (string, bool) {
	for _, c := range m.Contents {
		if c.Type == "text" {
			return c.Text, true
		}
	}
	return "", false
}

// Usage token 用量
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
}

// Run 一次执行
type Run struct {
	ID       string
	ThreadID string
	Status   string
	// 平台未返回用量时为 nil
	Usage *Usage
}

// Platform Agent 平台客户端
//
// 实现负责把 SDK 的各种返回形态 (分页、可选字段) 统一成这里的类型。
type Platform interface {
	CreateAgent(ctx context.Context, spec AgentSpec) (*Agent, error)
	ListAgents(ctx context.Context) ([]Agent, error)
	CreateThread(ctx context.Context) (string, error)
	PostMessage(ctx context.Context, threadID, role, content string) (string, error)
	// RunAndWait 创建 Run 并等待其进入终态
	RunAndWait(ctx context.Context, threadID, agentID string) (*Run, error)
	// ListMessages 按时间倒序返回线程消息
	ListMessages(ctx context.Context, threadID string) ([]Message, error)
	UploadFile(ctx context.Context, path string) (string, error)
	CreateVectorStore(ctx context.Context, name string, fileIDs []string) (string, error)
}

// ============================================================================
// 网关
// ============================================================================

// Options 网关选项
type Options struct {
	// 模型部署名称
	Model string

	Tracer trace.Tracer

	// Flush 在返回响应前同步导出 span
	Flush func(ctx context.Context) error

	Monitor *Monitor
	Stager  *Stager
}

// Gateway Agent 网关
type Gateway struct {
	platform Platform
	model    string
	tracer   trace.Tracer
	flush    func(ctx context.Context) error
	monitor  *Monitor
	stager   *Stager
}

// New 创建 Agent 网关
func New(platform Platform, opts Options) *Gateway {
	g := &Gateway{
		platform: platform,
		model:    opts.Model,
		tracer:   opts.Tracer,
		flush:    opts.Flush,
		monitor:  opts.Monitor,
		stager:   opts.Stager,
	}
	if g.tracer == nil {
		g.tracer = noop.NewTracerProvider().Tracer("")
	}
	if g.monitor == nil {
		g.monitor = NewMonitor()
	}
	if g.stager == nil {
		g.stager = &Stager{}
	}
	return g
}

// Monitor 返回监控器
func (g *Gateway) Monitor() *Monitor {
	return g.monitor
}

// Model 返回模型部署名称
func (g *Gateway) Model() string {
	return g.model
}

// CreateAgentInput 创建 Agent 请求
type CreateAgentInput struct {
	Name         string
	Instructions string
	File         *Upload
}

// CreatedAgent 创建结果
type CreatedAgent struct {
	ID            string
	Name          string
	Instructions  string
	FileProcessed bool
}

// AgentSummary Agent 列表项
type AgentSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PromptResult Prompt 结果
//
// Extracted 为 true 时 Response 是助手回复 (可能为空串)；
// 否则 Status 与 Detail 说明原因。
type PromptResult struct {
	AgentID   string
	ThreadID  string
	Response  string
	Extracted bool
	Status    string
	Detail    string
	Usage     *Usage
}

// Completed Run 是否完成且拿到了回复
func (r *PromptResult) Completed() bool {
	return r.Extracted
}

// flushTimeout 单次同步导出的上限
const flushTimeout = 5 * time.Second

// DetailIncomplete Run 未完成时返回的说明
const DetailIncomplete = "agent could not complete the task"

// CreateAgent 创建 Agent，附带文件时先上传并建立向量库
func (g *Gateway) CreateAgent(ctx context.Context, in CreateAgentInput) (res *CreatedAgent, err error) {
	ctx, span := g.tracer.Start(ctx, "agent.create", trace.WithAttributes(g.baseAttributes("create_agent")...))
	start := time.Now()
	defer func() {
		g.finish(ctx, span, OpCreateAgent, start, err, OutcomeSuccess)
	}()

	name := strings.TrimSpace(in.Name)
	instructions := strings.TrimSpace(in.Instructions)
	if name == "" {
		return nil, invalid("create_agent", "name is required")
	}
	if instructions == "" {
		return nil, invalid("create_agent", "instructions is required")
	}
	span.SetAttributes(attribute.String("gen_ai.agent.name", name))

	spec := AgentSpec{
		Model:        g.model,
		Name:         name,
		Instructions: instructions,
	}

	var fileID string
	if in.File != nil {
		var storeID string
		fileID, storeID, err = g.prepareFileSearch(ctx, name, *in.File)
		if err != nil {
			return nil, err
		}
		spec.VectorStoreID = storeID
		span.SetAttributes(attribute.String("gen_ai.vector_store.id", storeID))
	}

	agent, err := g.platform.CreateAgent(ctx, spec)
	if err != nil {
		if spec.VectorStoreID != "" {
			// 平台接口不支持删除，留下的资源需要人工清理
			log.Warn().
				Str("file_id", fileID).
				Str("vector_store_id", spec.VectorStoreID).
				Msg("Agent 创建失败，已上传的文件与向量库未被使用")
		}
		return nil, upstream("create_agent", err)
	}
	span.SetAttributes(attribute.String("gen_ai.agent.id", agent.ID))

	log.Info().
		Str("agent_id", agent.ID).
		Str("name", agent.Name).
		Bool("file", in.File != nil).
		Msg("Agent 已创建")

	instr := agent.Instructions
	if instr == "" {
		instr = instructions
	}
	return &CreatedAgent{
		ID:            agent.ID,
		Name:          agent.Name,
		Instructions:  instr,
		FileProcessed: in.File != nil,
	}, nil
}

// prepareFileSearch 暂存、上传文件并建立向量库，暂存文件在所有路径上都会删除
func (g *Gateway) prepareFileSearch(ctx context.Context, agentName string, u Upload) (fileID, storeID string, err error) {
	path, cleanup, err := g.stager.Stage(u)
	if err != nil {
		if errors.Is(err, ErrUploadTooLarge) {
			return "", "", &Error{Kind: KindInvalidInput, Op: "stage_file", Err: err}
		}
		return "", "", upstream("stage_file", err)
	}
	defer cleanup()

	fileID, err = g.platform.UploadFile(ctx, path)
	if err != nil {
		return "", "", upstream("upload_file", err)
	}

	storeID, err = g.platform.CreateVectorStore(ctx, agentName+"-store", []string{fileID})
	if err != nil {
		log.Warn().Str("file_id", fileID).Msg("向量库创建失败，已上传的文件未被使用")
		return "", "", upstream("create_vector_store", err)
	}

	log.Debug().
		Str("file_id", fileID).
		Str("vector_store_id", storeID).
		Msg("文件已上传并建立向量库")

	return fileID, storeID, nil
}

// ListAgents 列出平台上的所有 Agent
func (g *Gateway) ListAgents(ctx context.Context) (res []AgentSummary, err error) {
	ctx, span := g.tracer.Start(ctx, "agent.list", trace.WithAttributes(g.baseAttributes("list_agents")...))
	start := time.Now()
	defer func() {
		g.finish(ctx, span, OpListAgents, start, err, OutcomeSuccess)
	}()

	agents, err := g.platform.ListAgents(ctx)
	if err != nil {
		return nil, upstream("list_agents", err)
	}

	res = make([]AgentSummary, 0, len(agents))
	for _, a := range agents {
		res = append(res, AgentSummary{ID: a.ID, Name: a.Name})
	}
	span.SetAttributes(attribute.Int("gen_ai.agent.count", len(res)))
	return res, nil
}

// SendPrompt 向 Agent 发送 Prompt 并等待回复
func (g *Gateway) SendPrompt(ctx context.Context, agentID, prompt string) (res *PromptResult, err error) {
	ctx, span := g.tracer.Start(ctx, "agent.prompt", trace.WithAttributes(g.baseAttributes("invoke_agent")...))
	start := time.Now()
	outcome := OutcomeSuccess
	defer func() {
		g.finish(ctx, span, OpSendPrompt, start, err, outcome)
	}()

	span.SetAttributes(attribute.String("gen_ai.agent.id", agentID))

	if strings.TrimSpace(agentID) == "" {
		return nil, invalid("send_prompt", "agent_id is required")
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, invalid("send_prompt", "prompt is required")
	}

	// 1. 创建线程
	threadID, err := g.platform.CreateThread(ctx)
	if err != nil {
		return nil, upstream("create_thread", err)
	}
	span.SetAttributes(attribute.String("gen_ai.thread.id", threadID))

	// 2. 用户消息
	if _, err := g.platform.PostMessage(ctx, threadID, RoleUser, prompt); err != nil {
		return nil, upstream("create_message", err)
	}

	// 3. 运行并等待终态
	run, err := g.platform.RunAndWait(ctx, threadID, agentID)
	if err != nil {
		return nil, upstream("run", err)
	}
	span.SetAttributes(
		attribute.String("gen_ai.run.id", run.ID),
		attribute.String("gen_ai.run.status", run.Status),
	)
	if run.Usage != nil {
		span.SetAttributes(
			attribute.Int64("gen_ai.usage.input_tokens", run.Usage.InputTokens),
			attribute.Int64("gen_ai.usage.output_tokens", run.Usage.OutputTokens),
			attribute.Int64("gen_ai.usage.total_tokens", run.Usage.TotalTokens),
		)
		g.monitor.RecordUsage(*run.Usage)
	}

	res = &PromptResult{
		AgentID:  agentID,
		ThreadID: threadID,
		Usage:    run.Usage,
	}

	if !strings.EqualFold(run.Status, StatusCompleted) {
		outcome = OutcomeIncomplete
		res.Status = run.Status
		res.Detail = DetailIncomplete
		log.Warn().
			Str("agent_id", agentID).
			Str("thread_id", threadID).
			Str("status", run.Status).
			Msg("Run 未完成")
		return res, nil
	}

	// 4. 取最新的助手回复
	messages, err := g.platform.ListMessages(ctx, threadID)
	if err != nil {
		return nil, upstream("list_messages", err)
	}

	text, ok := firstAssistantText(messages)
	if !ok {
		outcome = OutcomeNoCompletion
		noCompletion := &Error{Kind: KindNoCompletion, Op: "extract_response", Err: ErrNoCompletion}
		span.RecordError(noCompletion)
		g.monitor.RecordError(OpSendPrompt, noCompletion)
		res.Status = StatusCompleted
		res.Detail = ErrNoCompletion.Error()
		return res, nil
	}

	res.Response = text
	res.Extracted = true
	return res, nil
}

// firstAssistantText 找到第一条带文本的助手消息，返回其第一个文本值
func firstAssistantText(messages []Message) (string, bool) {
	for _, m := range messages {
		if !strings.EqualFold(m.Role, RoleAssistant) {
			continue
		}
		if text, ok := m.FirstText(); ok {
			return text, true
		}
	}
	return "", false
}

func (g *Gateway) baseAttributes(operation string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("gen_ai.system", "az.ai.agents"),
		attribute.String("gen_ai.operation.name", operation),
		attribute.String("gen_ai.request.model", g.model),
	}
}

// finish 记录错误、结束 span、同步 flush 并更新指标
func (g *Gateway) finish(ctx context.Context, span trace.Span, op string, start time.Time, err error, outcome string) {
	if err != nil {
		outcome = OutcomeError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.kind", KindOf(err).String()))
		g.monitor.RecordError(op, err)
		log.Error().Err(err).Str("op", op).Msg("请求错误")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()

	if g.flush != nil {
		// 客户端断开后也要把 span 导出
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
		if ferr := g.flush(fctx); ferr != nil {
			log.Warn().Err(ferr).Str("op", op).Msg("span 导出失败")
		}
		cancel()
	}

	g.monitor.Observe(op, outcome, time.Since(start))
}
