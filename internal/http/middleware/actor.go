// Package middleware – actor resolution.
//
// Actor() resolves the acting user from the X-User and X-Roles headers
// (injected by the fronting gateway) and stores a domain.Actor in the Gin
// context for handlers and the request logger. Role names ADMIN and
// ROLE_ADMIN grant the privileged view; everything else is unprivileged.
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ejkorg/sender-sub001/internal/domain"
)

const (
	// HeaderUser carries the acting username.
	HeaderUser = "X-User"
	// HeaderRoles carries a comma-separated role list.
	HeaderRoles = "X-Roles"

	actorKey = "actor"
)

// Actor returns a middleware that resolves the acting user from request
// headers. Requests without an X-User header proceed as "anonymous" with no
// privileges; endpoint-level checks decide whether that is acceptable.
func Actor() gin.HandlerFunc {
	return func(c *gin.Context) {
		username := strings.TrimSpace(c.GetHeader(HeaderUser))
		if username == "" {
			username = "anonymous"
		}
		a := domain.ActorFromRoles(username, strings.Split(c.GetHeader(HeaderRoles), ","))
		c.Set(actorKey, a)

		// Enrich the request-scoped logger so downstream log lines carry
		// the actor.
		lg := LoggerFrom(c).With().Str("actor", a.Username).Bool("admin", a.Admin).Logger()
		c.Set("logger", &lg)

		c.Next()
	}
}

// ActorFrom returns the resolved actor, or an anonymous one when the
// middleware did not run.
func ActorFrom(c *gin.Context) domain.Actor {
	if v, ok := c.Get(actorKey); ok {
		if a, ok := v.(domain.Actor); ok {
			return a
		}
	}
	return domain.Actor{Username: "anonymous"}
}
