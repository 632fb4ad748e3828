package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	numberingdomain "github.com/smallbiznis/invoicing/internal/numbering/domain"
	"github.com/smallbiznis/invoicing/internal/orgcontext"
)

func (s *Server) GetNumberingSettings(c *gin.Context) {
	orgID, _ := orgcontext.OrgIDFromContext(c.Request.Context())

	state, err := s.numberingSvc.GetSettings(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": state})
}

func (s *Server) UpdateNumberingSettings(c *gin.Context) {
	var req numberingdomain.UpdateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	orgID, _ := orgcontext.OrgIDFromContext(c.Request.Context())
	state, err := s.numberingSvc.UpdateSettings(c.Request.Context(), orgID, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": state})
}

// PreviewNumbering shows the number the next invoice would get. The value is
// informational; a concurrent create may take it first.
func (s *Server) PreviewNumbering(c *gin.Context) {
	issueDate, err := parseOptionalDate(c.Query("issue_date"))
	if err != nil {
		AbortWithError(c, numberingdomain.ErrInvalidIssueDate)
		return
	}
	if issueDate == nil {
		now := s.clock.Now()
		issueDate = &now
	}

	orgID, _ := orgcontext.OrgIDFromContext(c.Request.Context())
	reservation, err := s.numberingSvc.Preview(c.Request.Context(), orgID, *issueDate)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": reservation})
}
