package storage

// Package storage provides the persistence layer behind the gateway core.
//
// It currently backs:
//   - Connection records (optimistic concurrency on updates)
//   - Delivery jobs (priority + schedule ordering)
//   - Alert dedup state (to survive restarts)
//   - Aggregate health history
