package api

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
)

// ServeStaticFiles serves the dashboard build from distPath when present.
func ServeStaticFiles(router *gin.Engine, distPath string) {
	if distPath == "" {
		distPath = "./web/dist"
	}

	if _, err := os.Stat(filepath.Join(distPath, "index.html")); err == nil {
		router.StaticFile("/", filepath.Join(distPath, "index.html"))
		router.Static("/assets", filepath.Join(distPath, "assets"))

		// Catch-all for SPA routing
		router.NoRoute(func(c *gin.Context) {
			c.File(filepath.Join(distPath, "index.html"))
		})
		return
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
}
