package server

import (
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/relaymail/internal/attachments"
	"github.com/yungbote/relaymail/internal/config"
)

type RouterConfig struct {
	Cfg *config.Config
}

// NewRouter serves health checks and, when the local attachment backend is
// active, the re-hosted attachment files.
func NewRouter(rc RouterConfig) *gin.Engine {
	router := gin.Default()

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if rc.Cfg.Attachments.Backend == config.BackendLocal {
		dir := rc.Cfg.Attachments.LocalDir
		router.GET("/attachments/:id/:filename", func(c *gin.Context) {
			id := attachments.SafeFilename(c.Param("id"))
			name := attachments.SafeFilename(c.Param("filename"))
			c.File(filepath.Join(dir, id, name))
		})
	}

	return router
}
