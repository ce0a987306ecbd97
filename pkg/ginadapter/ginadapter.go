// Package ginadapter serves a streamrpc HTTP server transport from a gin
// router.
package ginadapter

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/raskyld/streamrpc"
)

// Handler adapts tr to gin.
func Handler(tr *streamrpc.HTTPServerTransport) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		res := tr.Handle(c.Request.Context(), streamrpc.HandlerRequest{
			Method: c.Request.Method,
			URL:    c.Request.URL.String(),
			Header: c.Request.Header,
			Body:   body,
		})
		for key, values := range res.Header {
			for _, value := range values {
				c.Writer.Header().Add(key, value)
			}
		}
		c.Data(res.Status, "application/json", res.Body)
	}
}

// Register mounts the routes of tr on router. The base path of tr is
// absolute, so router should not be a group with a prefix.
func Register(router gin.IRoutes, tr *streamrpc.HTTPServerTransport) {
	h := Handler(tr)
	router.GET(tr.BasePath()+"for/:peer", h)
	router.POST(tr.BasePath()+"from/:peer", h)
}
