// Package handlers contains the gin middleware and health endpoints shared by
// the HTTP adapter.
//
// Health checks run in parallel; optional checks (the Redis cache) degrade
// the reported health without failing readiness:
//
//	checker := handlers.NewCompositeHealthChecker("v1.0.0")
//	checker.AddCheck("postgres", handlers.NewPingCheck(conn))
//	checker.AddOptionalCheck("redis", handlers.NewPingCheck(cache))
//
//	router.GET("/health", handlers.Health(checker))
//	router.GET("/ready", handlers.Ready(checker))
package handlers
