package router

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"hotel_checkout/internal/checkout"
	"hotel_checkout/internal/config"
	"hotel_checkout/internal/middleware"
	"hotel_checkout/internal/model"
	"hotel_checkout/internal/reconcile"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// 回调报文很小，超过这个大小的请求体不处理，只记错误日志
const maxCallbackBody = 64 << 10

// CheckoutService 由 *checkout.Service 实现。
type CheckoutService interface {
	Checkout(ctx context.Context, caller checkout.Caller, intent model.OrderIntent) (checkout.Result, error)
	GuestOrder(ctx context.Context, orderID, token string) (*checkout.OrderView, error)
	UserOrder(ctx context.Context, orderID, userID string) (*checkout.OrderView, error)
}

// CallbackHandler 由 *reconcile.Reconciler 实现。
type CallbackHandler interface {
	Handle(ctx context.Context, raw []byte) reconcile.Outcome
}

type Deps struct {
	Checkout  CheckoutService
	Callbacks CallbackHandler
	// Redis 为空时不做下单限流
	Redis  *rd.Client
	Logger logrus.FieldLogger
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps, cfg config.AppConfig) {
	r.Use(cors.New(corsConfig(cfg.CORSOrigins)))

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	api := r.Group("/api")
	auth := middleware.OptionalAuth(cfg.JWTSecret)

	checkoutChain := []gin.HandlerFunc{auth}
	if d.Redis != nil {
		checkoutChain = append(checkoutChain, middleware.CheckoutRateLimit(d.Redis, cfg.CheckoutRateLimit, cfg.CheckoutRateWindow, d.Logger))
	}
	checkoutChain = append(checkoutChain, createCheckout(d.Checkout, cfg.Pricing, d.Logger))
	api.POST("/checkout", checkoutChain...)

	api.GET("/orders/:id", auth, getOrder(d.Checkout, d.Logger))
	api.POST("/payment-callback", paymentCallback(d.Callbacks, d.Logger))
}

func corsConfig(origins []string) cors.Config {
	cc := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = origins
	}
	return cc
}

// createCheckout 是下单入口。
// 关键流程：
// 1. 解析请求体，配送费与默认币种由服务端按配置填写
// 2. 交给 checkout.Service 校验、落库、发起 STK push
// 3. 立即返回 pending，支付结果通过回调异步落地
func createCheckout(svc CheckoutService, pc config.PricingConfig, logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var intent model.OrderIntent
		if err := c.ShouldBindJSON(&intent); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "invalid request body: " + err.Error()})
			return
		}

		// 客户端传来的配送费不可信
		intent.Fulfillment.DeliveryFee = 0
		if strings.EqualFold(strings.TrimSpace(string(intent.Fulfillment.Mode)), string(model.DeliveryDelivery)) {
			intent.Fulfillment.DeliveryFee = pc.DeliveryFee
		}
		if intent.Currency == "" {
			intent.Currency = pc.Currency
		}

		caller := checkout.Caller{UserID: middleware.CallerID(c)}
		res, err := svc.Checkout(c.Request.Context(), caller, intent)
		if err != nil {
			var verr *checkout.ValidationError
			switch {
			case errors.As(err, &verr):
				c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": verr.Error(), "field": verr.Field})
			case errors.Is(err, checkout.ErrPaymentInitiation):
				// 订单已落库为 failed，带上 order_id / guest_token 让前端能展示
				c.JSON(http.StatusBadGateway, gin.H{"code": 502, "msg": "payment initiation failed, please retry", "data": res})
			default:
				config.LogError(logger, "router", "createCheckout", "checkout", nil, err)
				c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "internal error"})
			}
			return
		}

		c.JSON(http.StatusOK, gin.H{"code": 0, "data": res})
	}
}

// getOrder 访客凭 token 查询，登录用户可以不带 token 查询自己的订单。
// 订单不存在、token 错误、token 属于其它订单统一返回 404。
func getOrder(svc CheckoutService, logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		token := c.Query("token")
		uid := middleware.CallerID(c)

		var (
			view *checkout.OrderView
			err  = checkout.ErrNotFound
		)
		if token != "" {
			view, err = svc.GuestOrder(c.Request.Context(), id, token)
		}
		if errors.Is(err, checkout.ErrNotFound) && uid != "" {
			view, err = svc.UserOrder(c.Request.Context(), id, uid)
		}

		if err != nil {
			if errors.Is(err, checkout.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "order not found"})
				return
			}
			config.LogError(logger, "router", "getOrder", "load order", gin.H{"order_id": id}, err)
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": view})
	}
}

// paymentCallback 接收 Daraja 回调。无论处理结论如何都回复已受理，
// provider 只会在非成功响应时重投，而重投不会改变结论。
func paymentCallback(h CallbackHandler, logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBody))
		if err != nil {
			// 回调被丢弃但仍然回复已受理，需要人工从 provider 侧补查
			config.LogError(logger, "router", "paymentCallback", "read callback body",
				gin.H{"limit": maxCallbackBody, "content_length": c.Request.ContentLength}, err)
		} else {
			// provider 断开连接也要把回调处理完
			out := h.Handle(context.WithoutCancel(c.Request.Context()), raw)
			logger.WithField("outcome", out).Info("payment callback handled")
		}
		c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
	}
}
