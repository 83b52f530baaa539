/*
Package gateway - Foundry Agent 网关

网关分为三部分：
1. API Gateway - 对外提供 HTTP/WebSocket 接口，以及 gRPC 健康检查
2. Agent Gateway - 创建/列出 Agent，转发 Prompt 并提取回复，记录指标与追踪
3. Platform - Azure AI Foundry Agent 服务的类型化适配层
*/
package gateway
