package reconcile

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handlers exposes the admin reconciliation surface. Routes are mounted
// behind the admin-secret middleware.
type Handlers struct {
	scanner *Scanner
}

func NewHandlers(scanner *Scanner) *Handlers {
	return &Handlers{scanner: scanner}
}

// Run handles POST /v1/admin/reconcile: one on-demand scan.
func (h *Handlers) Run(c *gin.Context) {
	report, err := h.scanner.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// Latest handles GET /v1/admin/reports/latest.
func (h *Handlers) Latest(c *gin.Context) {
	report, err := h.scanner.Latest(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no reports yet"})
		return
	}
	c.JSON(http.StatusOK, report)
}
