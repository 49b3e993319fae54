// Package app composes the settlement services into a running application.
//
// The layout mirrors the layering the services share:
//
//	internal/app/
//	├── application.go      # Wiring and lifecycle for all services
//	├── domain/             # Pure domain types and algorithms
//	│   ├── wots/           # One-time hash-chain signatures
//	│   ├── merkle/         # Batch commitment trees and inclusion proofs
//	│   ├── settlement/     # Hashes, state, batches, sentinel errors
//	│   ├── keypool/        # Key pool registrations and issued keys
//	│   ├── intent/         # Authorized transfer intents
//	│   ├── privacy/        # Delayed mixing claims
//	│   └── vault/          # Deposits and withdrawals
//	├── storage/            # Store interfaces plus memory, postgres, redis
//	├── services/           # Business logic, one package per concern
//	├── httpapi/            # REST surface over the services
//	├── metrics/            # Prometheus registry and HTTP instrumentation
//	└── system/             # Background service lifecycle manager
//
// Services hold no HTTP concerns and storage holds no business rules; the
// stores are interfaces so the memory implementation backs tests while
// Postgres and Redis back deployments.
package app
