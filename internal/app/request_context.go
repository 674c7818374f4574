package app

import (
	"errors"
	"strings"

	"github.com/zhijun2003/QingyunAI/internal/requestctx"
)

// BuildRequestContext verifies a bearer token and translates its claims into the runtime request context used
// by HTTP handlers.
func BuildRequestContext(container *Container, token string) (*requestctx.Context, error) {
	if container == nil || container.Auth == nil {
		return nil, errors.New("container required")
	}
	claims, err := container.Auth.Verify(strings.TrimSpace(token))
	if err != nil {
		return nil, err
	}
	return &requestctx.Context{
		UserID: claims.UserID,
		Role:   claims.Role,
	}, nil
}
