package main

import (
	"log"
	"strconv"

	"github.com/beego/beego/v2/server/web"
	"go.uber.org/zap"

	"github.com/weAIDB/CrackSQL/app/bootstrap"
	"github.com/weAIDB/CrackSQL/app/router"
	"github.com/weAIDB/CrackSQL/internal/config"
	"github.com/weAIDB/CrackSQL/internal/logger"
)

func main() {
	app, err := bootstrap.Init()
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer app.Shutdown()
	bootstrap.SetGlobalApp(app)

	router.Init()

	web.BConfig.AppName = "CrackSQL Knowledge Service"
	web.BConfig.CopyRequestBody = true
	if p, err := strconv.Atoi(config.AppConfig.Server.Port); err == nil {
		web.BConfig.Listen.HTTPPort = p
	}

	logger.Info("Starting knowledge service", zap.Int("port", web.BConfig.Listen.HTTPPort))
	web.Run()
}
