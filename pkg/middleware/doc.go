// Package middleware provides HTTP middleware for the admin API and the
// gateway webhook endpoint.
//
// AdminAuth checks a static bearer token with a constant time compare:
//
//	router.Use(middleware.AdminAuth(cfg.Server.AdminToken))
//
// RateLimit limits requests per client IP using either the in-process
// RateLimiter or the Redis backed DistributedRateLimiter, which shares the
// window across replicas:
//
//	limiter := middleware.NewDistributedRateLimiter(redisClient, nil, "recur:ratelimit:webhook")
//	webhook.Use(middleware.RateLimit(limiter, logger))
//
// Limiter errors fail open.
package middleware
