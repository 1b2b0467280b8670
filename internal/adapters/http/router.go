package http

import (
	"context"

	"github.com/dkeye/moodcall/internal/adapters/signal"
	"github.com/dkeye/moodcall/internal/app"
	"github.com/dkeye/moodcall/internal/config"
	"github.com/dkeye/moodcall/internal/domain"
	handlers "github.com/dkeye/moodcall/internal/transport/http"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const sessionUserKey = "uid"

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware resolves the caller's user id. An explicit ?uid=
// wins and is remembered in the cookie session; otherwise the session value
// is used, and a fresh token is issued as a last resort.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		token := c.Query("uid")
		if token == "" {
			token, _ = sess.Get(sessionUserKey).(string)
		}
		if token == "" {
			token = genClientToken()
		}
		if domain.UserID(token).Validate() == nil && sess.Get(sessionUserKey) != token {
			sess.Set(sessionUserKey, token)
			if err := sess.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, st signal.Store, reg *app.Registry) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	cookies := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("MoodcallSessions", cookies))
	r.Use(ClientTokenMiddleware())

	ctrl := signal.NewStoreWSController(cfg, st, reg)
	docs := &handlers.DocsHandler{Store: st, Rules: ctrl.Rules}

	r.GET("/healthz", func(c *gin.Context) {
		handlers.Health(c, reg.Count(), st.Listeners())
	})

	api := r.Group("/api")
	api.GET("/docs/*path", docs.Get)
	api.GET("/ws/store", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("uid", c.GetString("client_token")).Msg("ws store endpoint hit")
		ctrl.HandleStore(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
