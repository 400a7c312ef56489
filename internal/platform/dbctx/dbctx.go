// Package dbctx carries a request-scoped context alongside an optional
// transaction handle so repository methods can participate in a caller's
// transaction without importing gorm at every call site's signature.
package dbctx

import (
	"context"

	"gorm.io/gorm"
)

type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

func (c Context) Conn(fallback *gorm.DB) *gorm.DB {
	if c.Tx != nil {
		return c.Tx
	}
	return fallback
}
