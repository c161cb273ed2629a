package router

import (
	"github.com/beego/beego/v2/server/web"

	"github.com/weAIDB/CrackSQL/app/controllers"
)

// Init registers all routes. Must be called after bootstrap wiring.
func Init() {
	web.Router("/", &controllers.RootController{}, "get:Index")
	web.Router("/health", &controllers.HealthController{}, "get:Health")
	web.Router("/metrics", &controllers.MetricsController{}, "get:Metrics")

	kbController := &controllers.KnowledgeBaseController{}
	web.Router("/api/knowledge", kbController, "get:List;post:Create")
	web.Router("/api/knowledge/:id", kbController, "get:Get;put:Update;delete:Delete")
	web.Router("/api/knowledge/:id/status", kbController, "get:Status")

	itemController := &controllers.KnowledgeItemController{}
	web.Router("/api/knowledge/:id/items", itemController, "get:List;post:Add")
	web.Router("/api/knowledge/:id/items/delete", itemController, "post:Delete")
	// 注意：具体路由必须在参数路由之前注册
	web.Router("/api/knowledge/items/:item_id/retry", itemController, "post:Retry")
	web.Router("/api/knowledge/items/:item_id", itemController, "get:Get;put:Update")

	ingestController := &controllers.IngestController{}
	web.Router("/api/knowledge/:id/upload", ingestController, "post:Upload")
	web.Router("/api/knowledge/:id/split", ingestController, "post:Split")
	web.Router("/api/knowledge/:id/enqueue", ingestController, "post:Enqueue")

	searchController := &controllers.SearchController{}
	web.Router("/api/knowledge/:id/search", searchController, "get:Search;post:Search")
	web.Router("/api/knowledge/:id/keyword-search", searchController, "get:KeywordSearch")
}
