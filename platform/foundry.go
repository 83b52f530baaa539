/*
Package platform - Azure AI Foundry Agent 服务适配层

Foundry Agent 服务的接口形态与 OpenAI Assistants API 一致，这里基于
openai-go 的 Assistants/Threads/Runs/Files/VectorStores 服务实现
agentgateway.Platform，把分页、可选字段等差异统一在这一层。
*/
package platform

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog/log"

	"github.com/agentflow/foundry-gateway/agentgateway"
)

// TokenScope Foundry 项目 endpoint 使用的 Entra ID scope
const TokenScope = "https://ai.azure.com/.default"

const moduleVersion = "v0.1.0"

// Config 适配层配置
type Config struct {
	// 项目 endpoint
	Endpoint   string
	APIVersion string

	// 设置后使用 api-key 头认证，不再使用 Credential
	APIKey string

	// Run 轮询间隔，<=0 时为 1s
	PollInterval time.Duration

	MaxRetries int
}

// Foundry agentgateway.Platform 的 Foundry 实现
type Foundry struct {
	client       openai.Client
	pollInterval time.Duration
}

var _ agentgateway.Platform = (*Foundry)(nil)

// New 创建 Foundry 客户端
//
// cred 为 nil 且未配置 APIKey 时返回错误。
func New(cfg Config, cred azcore.TokenCredential, opts ...option.RequestOption) (*Foundry, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("platform: endpoint 未配置")
	}

	reqOpts := []option.RequestOption{
		option.WithBaseURL(strings.TrimRight(cfg.Endpoint, "/") + "/"),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.APIVersion != "" {
		reqOpts = append(reqOpts, option.WithQuery("api-version", cfg.APIVersion))
	}

	switch {
	case cfg.APIKey != "":
		reqOpts = append(reqOpts, option.WithHeader("api-key", cfg.APIKey))
	case cred != nil:
		allowHTTP := strings.HasPrefix(strings.ToLower(cfg.Endpoint), "http://")
		reqOpts = append(reqOpts, withTokenCredential(cred, allowHTTP))
	default:
		return nil, fmt.Errorf("platform: 需要 TokenCredential 或 APIKey")
	}
	reqOpts = append(reqOpts, opts...)

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	return &Foundry{
		client:       openai.NewClient(reqOpts...),
		pollInterval: interval,
	}, nil
}

// withTokenCredential 通过 azcore 的 bearer token policy 给每个请求加上 Authorization 头
//
// token 缓存与刷新由 policy 负责；重试交给 openai-go，pipeline 内关闭重试。
func withTokenCredential(cred azcore.TokenCredential, allowHTTP bool) option.RequestOption {
	bearer := runtime.NewBearerTokenPolicy(cred, []string{TokenScope}, &policy.BearerTokenOptions{
		InsecureAllowCredentialWithHTTP: allowHTTP,
	})

	return option.WithMiddleware(func(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
		pipeline := runtime.NewPipeline("foundry-gateway", moduleVersion, runtime.PipelineOptions{}, &policy.ClientOptions{
			InsecureAllowCredentialWithHTTP: allowHTTP,
			Retry:                           policy.RetryOptions{MaxRetries: -1},
			PerRetryPolicies:                []policy.Policy{bearer, nextPolicy(next)},
		})

		azReq, err := runtime.NewRequestFromRequest(req)
		if err != nil {
			return nil, err
		}
		return pipeline.Do(azReq)
	})
}

// nextPolicy 把 openai-go 的 middleware 链接到 azcore pipeline 末端
type nextPolicy option.MiddlewareNext

func (p nextPolicy) Do(req *policy.Request) (*http.Response, error) {
	return p(req.Raw())
}

// ============================================================================
// Agent
// ============================================================================

// CreateAgent 创建 Agent，指定向量库时挂载 file_search 工具
func (f *Foundry) CreateAgent(ctx context.Context, spec agentgateway.AgentSpec) (*agentgateway.Agent, error) {
	params := openai.BetaAssistantNewParams{
		Model:        spec.Model,
		Name:         openai.String(spec.Name),
		Instructions: openai.String(spec.Instructions),
	}
	if spec.VectorStoreID != "" {
		params.Tools = []openai.AssistantToolUnionParam{
			{OfFileSearch: &openai.FileSearchToolParam{}},
		}
		params.ToolResources = openai.BetaAssistantNewParamsToolResources{
			FileSearch: openai.BetaAssistantNewParamsToolResourcesFileSearch{
				VectorStoreIDs: []string{spec.VectorStoreID},
			},
		}
	}

	a, err := f.client.Beta.Assistants.New(ctx, params)
	if err != nil {
		return nil, err
	}
	return toAgent(a), nil
}

// ListAgents 遍历所有分页，返回扁平列表
func (f *Foundry) ListAgents(ctx context.Context) ([]agentgateway.Agent, error) {
	iter := f.client.Beta.Assistants.ListAutoPaging(ctx, openai.BetaAssistantListParams{
		Limit: openai.Int(100),
	})

	var agents []agentgateway.Agent
	for iter.Next() {
		a := iter.Current()
		agents = append(agents, *toAgent(&a))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return agents, nil
}

func toAgent(a *openai.Assistant) *agentgateway.Agent {
	agent := &agentgateway.Agent{
		ID:           a.ID,
		Name:         a.Name,
		Instructions: a.Instructions,
	}
	if ids := a.ToolResources.FileSearch.VectorStoreIDs; len(ids) > 0 {
		agent.VectorStoreID = ids[0]
	}
	return agent
}

// ============================================================================
// 线程、消息与 Run
// ============================================================================

// CreateThread 创建空线程
func (f *Foundry) CreateThread(ctx context.Context) (string, error) {
	t, err := f.client.Beta.Threads.New(ctx, openai.BetaThreadNewParams{})
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// PostMessage 向线程追加一条纯文本消息
func (f *Foundry) PostMessage(ctx context.Context, threadID, role, content string) (string, error) {
	m, err := f.client.Beta.Threads.Messages.New(ctx, threadID, openai.BetaThreadMessageNewParams{
		Role: openai.BetaThreadMessageNewParamsRole(role),
		Content: openai.BetaThreadMessageNewParamsContentUnion{
			OfString: openai.String(content),
		},
	})
	if err != nil {
		return "", err
	}
	return m.ID, nil
}

// RunAndWait 创建 Run 并轮询到终态
func (f *Foundry) RunAndWait(ctx context.Context, threadID, agentID string) (*agentgateway.Run, error) {
	run, err := f.client.Beta.Threads.Runs.New(ctx, threadID, openai.BetaThreadRunNewParams{
		AssistantID: agentID,
	})
	if err != nil {
		return nil, err
	}

	polls := 0
	for !isTerminal(run.Status) {
		timer := time.NewTimer(f.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		run, err = f.client.Beta.Threads.Runs.Get(ctx, threadID, run.ID)
		if err != nil {
			return nil, fmt.Errorf("run poll: %w", err)
		}
		polls++
	}

	log.Debug().
		Str("run_id", run.ID).
		Str("status", string(run.Status)).
		Int("polls", polls).
		Msg("Run 结束")

	return toRun(run), nil
}

func isTerminal(status openai.RunStatus) bool {
	switch status {
	case openai.RunStatusQueued, openai.RunStatusInProgress, openai.RunStatusCancelling:
		return false
	default:
		return true
	}
}

func toRun(r *openai.Run) *agentgateway.Run {
	run := &agentgateway.Run{
		ID:       r.ID,
		ThreadID: r.ThreadID,
		Status:   string(r.Status),
	}
	if r.JSON.Usage.Valid() {
		run.Usage = &agentgateway.Usage{
			InputTokens:  r.Usage.PromptTokens,
			OutputTokens: r.Usage.CompletionTokens,
			TotalTokens:  r.Usage.TotalTokens,
		}
	}
	return run
}

// ListMessages 按时间倒序返回线程消息 (单页，最新的回复在最前)
func (f *Foundry) ListMessages(ctx context.Context, threadID string) ([]agentgateway.Message, error) {
	page, err := f.client.Beta.Threads.Messages.List(ctx, threadID, openai.BetaThreadMessageListParams{
		Order: openai.BetaThreadMessageListParamsOrderDesc,
		Limit: openai.Int(20),
	})
	if err != nil {
		return nil, err
	}

	messages := make([]agentgateway.Message, 0, len(page.Data))
	for _, m := range page.Data {
		msg := agentgateway.Message{
			ID:   m.ID,
			Role: string(m.Role),
		}
		for _, c := range m.Content {
			msg.Contents = append(msg.Contents, agentgateway.Content{
				Type: c.Type,
				Text: c.Text.Value,
			})
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// ============================================================================
// 文件与向量库
// ============================================================================

// UploadFile 上传本地文件，用途为 assistants
func (f *Foundry) UploadFile(ctx context.Context, path string) (string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer fh.Close()

	obj, err := f.client.Files.New(ctx, openai.FileNewParams{
		File:    openai.File(fh, filepath.Base(path), ""),
		Purpose: openai.FilePurposeAssistants,
	})
	if err != nil {
		return "", err
	}
	return obj.ID, nil
}

// CreateVectorStore 基于已上传的文件创建向量库，等所有文件索引完成后返回
func (f *Foundry) CreateVectorStore(ctx context.Context, name string, fileIDs []string) (string, error) {
	vs, err := f.client.VectorStores.New(ctx, openai.VectorStoreNewParams{
		Name:    openai.String(name),
		FileIDs: fileIDs,
	})
	if err != nil {
		return "", err
	}

	intervalMs := int(f.pollInterval.Milliseconds())
	for _, id := range fileIDs {
		file, err := f.client.VectorStores.Files.PollStatus(ctx, vs.ID, id, intervalMs)
		if err != nil {
			return "", err
		}
		if file.Status != openai.VectorStoreFileStatusCompleted {
			return "", fmt.Errorf("vector store file %s %s: %s", id, file.Status, file.LastError.Message)
		}
	}

	log.Debug().
		Str("vector_store_id", vs.ID).
		Int("files", len(fileIDs)).
		Msg("向量库索引完成")

	return vs.ID, nil
}
