package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/BaSui01/agentmesh/types"
)

// =============================================================================
// 🌐 HTTP Handlers
// =============================================================================

// writeJSON 序列化并写出 JSON 响应
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requireGet 拒绝非 GET 请求
func requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return false
	}
	return true
}

// handleHealthz 存活探针
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReadyz 就绪探针。运行时已构建且持久化存储可达才算就绪。
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.runtime == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	if err := s.runtime.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleVersion 版本信息
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

// handleStatus 运行时状态汇总：Agent 数、工作流健康、路由指标、事件队列
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	rt := s.runtime
	writeJSON(w, http.StatusOK, map[string]any{
		"agents":    rt.Registry.Len(),
		"kinds":     rt.Registry.KindCounts(),
		"workflows": rt.Workflows.Len(),
		"system":    rt.Workflows.GetSystemHealth(),
		"routing":   rt.Router.GetMetrics(),
		"events": map[string]any{
			"published":   rt.Notifier.Published(),
			"dropped":     rt.Notifier.Dropped(),
			"queue_depth": rt.Notifier.Depth(),
		},
	})
}

// handleAgents 当前注册表快照：Agent ID 与其能力列表
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  s.runtime.Registry.Len(),
		"agents": s.runtime.Registry.Snapshot(),
	})
}

// workflowSummary 工作流列表项
type workflowSummary struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	Status    types.WorkflowStatus `json:"status"`
	Steps     int                  `json:"steps"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// handleWorkflows 列出所有已注册的工作流
func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	workflows := s.runtime.Workflows.ListWorkflows()
	summaries := make([]workflowSummary, 0, len(workflows))
	for _, wf := range workflows {
		summaries = append(summaries, workflowSummary{
			ID:        wf.ID(),
			Name:      wf.Name(),
			Status:    wf.Status(),
			Steps:     len(wf.Steps()),
			CreatedAt: wf.CreatedAt(),
			UpdatedAt: wf.UpdatedAt(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(summaries),
		"workflows": summaries,
	})
}

// handleCoverage 能力覆盖报告：各能力种类的 Agent 数与单点风险
func (s *Server) handleCoverage(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.runtime.Router.GetCapabilityCoverage(r.Context()))
}

// handleConfig 当前生效配置（敏感字段已脱敏）
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	if s.hotReloadManager == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "config manager not running"})
		return
	}
	writeJSON(w, http.StatusOK, s.hotReloadManager.SanitizedConfig())
}
