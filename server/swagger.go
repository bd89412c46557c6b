package server

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// SwaggerInfo holds swagger metadata for the generated docs package
type SwaggerInfo struct {
	Title       string
	Description string
	Version     string
	Host        string
	BasePath    string
}

// SwaggerHostUpdater updates the generated SwaggerInfo.Host at runtime,
// e.g. func(host string) { docs.SwaggerInfo.Host = host }
type SwaggerHostUpdater func(host string)

// RegisterSwagger registers the swagger UI with the host taken from the request.
// The binary embedding the module imports its swag-generated docs package and
// passes an updater for its SwaggerInfo:
//
//	app.RegisterSwagger(server.SwaggerInfo{
//	    Title:   "Reward API",
//	    Version: "1.0",
//	}, func(host string) {
//	    docs.SwaggerInfo.Host = host
//	})
func (a *App) RegisterSwagger(info SwaggerInfo, hostUpdater SwaggerHostUpdater) {
	if !a.config.Server.EnableSwagger {
		return
	}
	handler := ginSwagger.WrapHandler(
		swaggerFiles.Handler,
		ginSwagger.DefaultModelsExpandDepth(-1),
	)
	a.engine.GET("/swagger/*any", func(c *gin.Context) {
		// Get host from request (supports X-Forwarded-Host for reverse proxy)
		host := c.GetHeader("X-Forwarded-Host")
		if host == "" {
			host = c.Request.Host
		}

		// Update SwaggerInfo.Host at runtime
		if hostUpdater != nil {
			hostUpdater(host)
		}

		handler(c)
	})

	a.logger.Info().
		Str("path", "/swagger/index.html").
		Str("title", info.Title).
		Msg("Swagger UI registered with dynamic host")
}
