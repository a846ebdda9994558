// Package health reports the readiness of the services toolguard depends
// on: the identity provider, redis backed stores and the schedule service.
//
// A Checker reports one component. The Aggregator runs checkers
// concurrently under a shared timeout and folds their results into one
// Status. Routes exposes the results over HTTP:
//
//	agg := health.NewAggregator()
//	agg.Register(health.NewProviderChecker(client))
//	agg.Register(health.NewPingChecker("redis", redisStore.Ping))
//	r.Mount("/", health.Routes(agg))
//
// /healthz always answers 200 while the process runs; /readyz answers 503
// when any component is unhealthy and carries per-component details.
package health
