package controllers

import (
	"github.com/weAIDB/CrackSQL/internal/services"
)

// Registry 控制器依赖的服务集合。
// beego每个请求都会反射新建controller实例，字段注入不会保留，
// 因此服务在启动时注册到包级变量，controller方法里取用。
type Registry struct {
	KnowledgeBases *services.KnowledgeBaseService
	Items          *services.ItemService
	Ingest         *services.IngestService
	Search         *services.SearchService
	StatusCache    *services.StatusCache
	Metrics        *services.MetricsService
}

var registry *Registry

// SetRegistry 注册服务集合，bootstrap初始化后调用一次
func SetRegistry(r *Registry) {
	registry = r
}

// GetRegistry 获取服务集合
func GetRegistry() *Registry {
	return registry
}
