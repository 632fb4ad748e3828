package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/invoicing/internal/orgcontext"
)

const HeaderOrg = "X-Org-Id"

// OrgContext scopes the request to the organization named by the X-Org-Id
// header. Authentication happens upstream; this service trusts the header.
func OrgContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, err := snowflake.ParseString(strings.TrimSpace(c.GetHeader(HeaderOrg)))
		if err != nil || orgID <= 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set("org_id", orgID.String())
		c.Request = c.Request.WithContext(orgcontext.WithOrgID(c.Request.Context(), orgID.Int64()))
		c.Next()
	}
}
