package handler

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/procurement-api/internal/middleware"
	"github.com/noah-isme/procurement-api/internal/models"
	appErrors "github.com/noah-isme/procurement-api/pkg/errors"
	"github.com/noah-isme/procurement-api/pkg/response"
)

// actorFromContext resolves the caller or writes 401 and returns false.
func actorFromContext(c *gin.Context) (models.Actor, bool) {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return models.Actor{}, false
	}
	return claims.Actor(), true
}

// queryList accepts both repeated (?a=1&a=2) and comma separated (?a=1,2) values.
func queryList(c *gin.Context, key string) []string {
	var out []string
	for _, raw := range c.QueryArray(key) {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func queryInt64List(c *gin.Context, key string) ([]int64, error) {
	values := queryList(c, key)
	out := make([]int64, 0, len(values))
	for _, v := range values {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, key+" must be a list of integers")
		}
		out = append(out, n)
	}
	return out, nil
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, appErrors.Clone(appErrors.ErrValidation, key+" must be a non-negative integer")
	}
	return n, nil
}

func projectNumberParam(c *gin.Context) (int64, error) {
	n, err := strconv.ParseInt(c.Param("number"), 10, 64)
	if err != nil || n <= 0 {
		return 0, appErrors.Clone(appErrors.ErrValidation, "project number must be a positive integer")
	}
	return n, nil
}
