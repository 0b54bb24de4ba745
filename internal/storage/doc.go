package storage

// Package storage provides an optional durable history layer behind the
// bounded in-memory logs.
//
// It currently supports:
//   - Execution record appends (one per digest run)
//   - Notification record appends (one per delivery attempt)
