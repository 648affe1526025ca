package httpapi

import (
	"net/http/pprof"

	"github.com/gin-gonic/gin"
)

// profiling mounts the runtime profiler. Profiles can be large and slow, so
// the group shares /v1 auth.
func (s *Server) profiling() {
	g := s.router.Group("/debug/pprof")
	if s.cfg.JWTSecret != "" {
		g.Use(jwtAuth(s.cfg.JWTSecret))
	}
	g.GET("/", gin.WrapF(pprof.Index))
	g.GET("/cmdline", gin.WrapF(pprof.Cmdline))
	g.GET("/profile", gin.WrapF(pprof.Profile))
	g.GET("/symbol", gin.WrapF(pprof.Symbol))
	g.POST("/symbol", gin.WrapF(pprof.Symbol))
	g.GET("/trace", gin.WrapF(pprof.Trace))
	g.GET("/:name", func(c *gin.Context) {
		pprof.Handler(c.Param("name")).ServeHTTP(c.Writer, c.Request)
	})
}
