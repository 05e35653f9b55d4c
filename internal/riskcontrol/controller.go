// Package riskcontrol supplies exchange-operator tooling that sits in
// front of order acceptance: rate limiting, size/price bounds, and an
// admin-manageable blacklist. It never touches identity or KYC — only
// the rate and size of orders the core has already decided to accept.
package riskcontrol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"energy-exchange-core/internal/config"
	"energy-exchange-core/internal/domain"
	"energy-exchange-core/internal/ratelimit"
)

// Controller 在订单进入 Order Store 之前执行风控校验
type Controller struct {
	mu        sync.RWMutex
	cache     *ratelimit.RedisCache
	limits    config.OrderLimitsConfig
	rateCfg   RateConfig
	logger    *logrus.Logger
	blacklist map[string]*BlacklistEntry // 内存缓存，Redis 为权威来源
}

// RateConfig 限率参数
type RateConfig struct {
	OrderRateLimit    int
	CancelRateLimit   int
	RateLimitWindow   time.Duration
	BlacklistDuration time.Duration
}

// BlacklistEntry 黑名单条目
type BlacklistEntry struct {
	UserID    string
	Reason    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// CheckResult 风控检查结果
type CheckResult struct {
	Allowed bool
	Reason  string
	Code    string
}

func allowed() *CheckResult { return &CheckResult{Allowed: true} }

// NewController 构造风控控制器
func NewController(cache *ratelimit.RedisCache, limits config.OrderLimitsConfig, rateCfg RateConfig, logger *logrus.Logger) *Controller {
	return &Controller{
		cache:     cache,
		limits:    limits,
		rateCfg:   rateCfg,
		logger:    logger,
		blacklist: make(map[string]*BlacklistEntry),
	}
}

// CheckOrderRisk 对一笔即将提交的挂单做校验：黑名单、数量/价格边界、限率
func (c *Controller) CheckOrderRisk(ctx context.Context, order *domain.Order) *CheckResult {
	if c.isBlacklisted(ctx, order.UserID) {
		return &CheckResult{Allowed: false, Reason: "user is blacklisted", Code: "BLACKLISTED"}
	}

	if result := c.checkOrderSize(order); !result.Allowed {
		return result
	}

	if result := c.checkPriceBounds(order); !result.Allowed {
		return result
	}

	if result := c.checkOrderRate(ctx, order.UserID); !result.Allowed {
		return result
	}

	return allowed()
}

func (c *Controller) checkOrderSize(order *domain.Order) *CheckResult {
	if order.KwhAmount.LessThan(c.limits.MinOrderKwh) {
		return &CheckResult{
			Allowed: false,
			Reason:  fmt.Sprintf("order too small, minimum %s kWh", c.limits.MinOrderKwh.String()),
			Code:    "ORDER_TOO_SMALL",
		}
	}
	if order.KwhAmount.GreaterThan(c.limits.MaxOrderKwh) {
		return &CheckResult{
			Allowed: false,
			Reason:  fmt.Sprintf("order too large, maximum %s kWh", c.limits.MaxOrderKwh.String()),
			Code:    "ORDER_TOO_LARGE",
		}
	}
	return allowed()
}

func (c *Controller) checkPriceBounds(order *domain.Order) *CheckResult {
	if order.PricePerKwh.LessThan(c.limits.MinPrice) {
		return &CheckResult{
			Allowed: false,
			Reason:  fmt.Sprintf("price below minimum %s", c.limits.MinPrice.String()),
			Code:    "PRICE_TOO_LOW",
		}
	}
	if c.limits.MaxPrice.IsPositive() && order.PricePerKwh.GreaterThan(c.limits.MaxPrice) {
		return &CheckResult{
			Allowed: false,
			Reason:  fmt.Sprintf("price above maximum %s", c.limits.MaxPrice.String()),
			Code:    "PRICE_TOO_HIGH",
		}
	}
	return allowed()
}

func (c *Controller) checkOrderRate(ctx context.Context, userID string) *CheckResult {
	if c.cache == nil {
		return allowed()
	}
	ok, err := c.cache.RateLimitCheck(ctx, userID, "order", c.rateCfg.OrderRateLimit, c.rateCfg.RateLimitWindow)
	if err != nil {
		c.logger.WithError(err).Error("failed to check order rate limit")
		return allowed()
	}
	if !ok {
		return &CheckResult{
			Allowed: false,
			Reason:  fmt.Sprintf("order rate exceeded, max %d per %s", c.rateCfg.OrderRateLimit, c.rateCfg.RateLimitWindow),
			Code:    "ORDER_RATE_LIMIT_EXCEEDED",
		}
	}
	return allowed()
}

// CheckCancelRisk 校验一次取消请求：黑名单 + 取消限率
func (c *Controller) CheckCancelRisk(ctx context.Context, userID string) *CheckResult {
	if c.isBlacklisted(ctx, userID) {
		return &CheckResult{Allowed: false, Reason: "user is blacklisted", Code: "BLACKLISTED"}
	}

	if c.cache == nil {
		return allowed()
	}
	ok, err := c.cache.RateLimitCheck(ctx, userID, "cancel", c.rateCfg.CancelRateLimit, c.rateCfg.RateLimitWindow)
	if err != nil {
		c.logger.WithError(err).Error("failed to check cancel rate limit")
		return allowed()
	}
	if !ok {
		return &CheckResult{
			Allowed: false,
			Reason:  fmt.Sprintf("cancel rate exceeded, max %d per %s", c.rateCfg.CancelRateLimit, c.rateCfg.RateLimitWindow),
			Code:    "CANCEL_RATE_LIMIT_EXCEEDED",
		}
	}
	return allowed()
}

// AddToBlacklist 将 userID 加入黑名单，持续时长由 duration 指定
func (c *Controller) AddToBlacklist(ctx context.Context, userID, reason string, duration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &BlacklistEntry{
		UserID:    userID,
		Reason:    reason,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(duration),
	}
	c.blacklist[userID] = entry

	if c.cache != nil {
		if err := c.cache.AddToBlacklist(ctx, userID, reason, duration); err != nil {
			c.logger.WithError(err).Error("failed to sync blacklist to redis")
		}
	}

	c.logger.WithFields(logrus.Fields{
		"user_id":  userID,
		"reason":   reason,
		"duration": duration.String(),
	}).Warn("user added to blacklist")

	return nil
}

// RemoveFromBlacklist 立即撤销 userID 的黑名单状态
func (c *Controller) RemoveFromBlacklist(ctx context.Context, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.blacklist, userID)
	if c.cache != nil {
		if err := c.cache.RemoveFromBlacklist(ctx, userID); err != nil {
			c.logger.WithError(err).Error("failed to remove redis blacklist entry")
		}
	}
	c.logger.WithField("user_id", userID).Info("user removed from blacklist")
}

func (c *Controller) isBlacklisted(ctx context.Context, userID string) bool {
	c.mu.RLock()
	entry, exists := c.blacklist[userID]
	c.mu.RUnlock()

	if exists {
		if time.Now().Before(entry.ExpiresAt) {
			return true
		}
		c.mu.Lock()
		delete(c.blacklist, userID)
		c.mu.Unlock()
	}

	if c.cache == nil {
		return false
	}
	blacklisted, err := c.cache.IsBlacklisted(ctx, userID)
	if err != nil {
		c.logger.WithError(err).Error("failed to check redis blacklist")
		return false
	}
	return blacklisted
}

// CleanupExpiredBlacklist 清理内存中的过期黑名单条目
func (c *Controller) CleanupExpiredBlacklist() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for userID, entry := range c.blacklist {
		if now.After(entry.ExpiresAt) {
			delete(c.blacklist, userID)
			c.logger.WithField("user_id", userID).Debug("expired blacklist entry removed")
		}
	}
}

// StartCleanupTicker 启动周期清理，stop 关闭时退出
func (c *Controller) StartCleanupTicker(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Hour)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.CleanupExpiredBlacklist()
			case <-stop:
				return
			}
		}
	}()
}

// DefaultRateConfig 返回一组保守的默认限率参数
func DefaultRateConfig() RateConfig {
	return RateConfig{
		OrderRateLimit:    60,
		CancelRateLimit:   30,
		RateLimitWindow:   time.Minute,
		BlacklistDuration: 24 * time.Hour,
	}
}
