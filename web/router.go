package web

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/deemkeen/cardfed/activitypub"
	"github.com/deemkeen/cardfed/cardsync"
	"github.com/deemkeen/cardfed/domain"
	"github.com/deemkeen/cardfed/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	activityJSON  = "application/activity+json; charset=utf-8"
	maxInboxBytes = 1 * 1024 * 1024
)

// Deps is everything the HTTP surface needs. Inbox, Engine and Actor may be
// nil when federation is off; the federation routes are then not mounted.
type Deps struct {
	Conf   *util.AppConfig
	Fed    *util.Federation
	Inbox  *activitypub.Inbox
	Engine *cardsync.Engine
	Actor  *activitypub.Actor
}

func (d Deps) federated() bool {
	return d.Conf.Conf.WithAp && d.Fed.Enabled() && d.Inbox != nil && d.Engine != nil && d.Actor != nil
}

func NewRouter(d Deps) *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery())
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	g.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if !d.federated() {
		return g
	}

	// Stricter limit for deliveries: 5 req/sec per IP
	apLimiter := NewRateLimiter(rate.Limit(5), 10)

	g.POST("/inbox", RateLimitMiddleware(apLimiter), MaxBytesMiddleware(maxInboxBytes), func(c *gin.Context) {
		handleInbox(c, d.Inbox)
	})

	g.GET("/actor", func(c *gin.Context) {
		c.Header("Content-Type", activityJSON)
		c.Render(http.StatusOK, render.JSON{Data: d.Actor})
	})

	g.GET("/actor/outbox", func(c *gin.Context) {
		c.Header("Content-Type", activityJSON)
		c.Render(http.StatusOK, render.JSON{Data: GetOutbox(d.Actor)})
	})

	g.GET("/cards/:id", func(c *gin.Context) {
		c.Header("Content-Type", activityJSON)
		id := d.Fed.BaseURL() + "/cards/" + c.Param("id")
		card, err := d.Engine.GetFederatedCard(c.Request.Context(), id)
		if domain.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Card not found"})
			return
		}
		if err != nil {
			zap.S().Errorf("Failed to render card %s: %v", id, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
			return
		}
		c.Render(http.StatusOK, render.JSON{Data: card})
	})

	g.GET("/feed", func(c *gin.Context) {
		rss, err := GetRSS(c.Request.Context(), d.Engine, d.Fed)
		if err != nil {
			zap.S().Errorf("Failed to build card feed: %v", err)
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Data(http.StatusOK, "application/xml; charset=utf-8", []byte(rss))
	})

	g.GET("/.well-known/webfinger", func(c *gin.Context) {
		resp, ok := GetWebfinger(c.Query("resource"), d.Fed, d.Actor)
		if !ok {
			c.Data(http.StatusNotFound, "application/json; charset=utf-8", []byte(GetWebFingerNotFound()))
			return
		}
		c.Header("Content-Type", "application/jrd+json; charset=utf-8")
		c.Render(http.StatusOK, render.JSON{Data: resp})
	})

	g.GET("/.well-known/nodeinfo", func(c *gin.Context) {
		c.JSON(http.StatusOK, GetNodeInfoDiscovery(d.Fed))
	})

	g.GET("/nodeinfo/:version", func(c *gin.Context) {
		states, err := d.Engine.ListSyncStates(c.Request.Context())
		if err != nil {
			zap.S().Errorf("Failed to count synced cards: %v", err)
			c.Status(http.StatusInternalServerError)
			return
		}
		info, ok := GetNodeInfo(c.Param("version"), d.Conf, len(states))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unsupported NodeInfo version"})
			return
		}
		c.JSON(http.StatusOK, info)
	})

	return g
}

// Router serves until the listener fails.
func Router(d Deps) error {
	zap.S().Infof("Starting HTTP server on %s:%d", d.Conf.Conf.Host, d.Conf.Conf.HttpPort)
	if !d.federated() {
		zap.S().Info("Federation is off, serving metrics only")
	}
	return NewRouter(d).Run(fmt.Sprintf("%s:%d", d.Conf.Conf.Host, d.Conf.Conf.HttpPort))
}

func handleInbox(c *gin.Context, inbox *activitypub.Inbox) {
	body, err := c.GetRawData()
	if err != nil {
		zap.S().Infof("Inbox: failed to read body: %v", err)
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
		return
	}

	// net/http moves Host out of the header map; signatures cover it
	headers := c.Request.Header.Clone()
	if headers.Get("Host") == "" && c.Request.Host != "" {
		headers.Set("Host", c.Request.Host)
	}

	res, err := inbox.Handle(c.Request.Context(), activitypub.InboxRequest{
		Method:  c.Request.Method,
		Path:    c.Request.URL.RequestURI(),
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		zap.S().Errorf("Inbox: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Federation is not enabled"})
		return
	}
	if res.Accepted {
		c.Status(http.StatusAccepted)
		return
	}
	if res.Reason == activitypub.ReasonRateLimited && res.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds()+0.5)))
	}
	c.JSON(StatusForReason(res.Reason), gin.H{"error": res.Error})
}

// StatusForReason maps an inbox rejection to an HTTP status.
func StatusForReason(r activitypub.Reason) int {
	switch r {
	case activitypub.ReasonUnauthorized:
		return http.StatusUnauthorized
	case activitypub.ReasonBlocked:
		return http.StatusForbidden
	case activitypub.ReasonRateLimited:
		return http.StatusTooManyRequests
	case activitypub.ReasonInternal:
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}
