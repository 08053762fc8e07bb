// Package waas and its sub-packages implement a custodial USDC wallet backend on an Ethereum L2, offered as a
// white-label product to tenants and as a metered wallet-as-a-service API to developers.
/*
waas provides two services:

1) a wallet service (cmd/walletd, package wallet) that implements the RESTful API: user registration and login with
 optional TOTP, wallet creation, import, backup and restore, USDC transfers, transaction history and contacts. The same
 router serves tenant dashboards (webhooks, usage), the developer API under /api/v1 authenticated by API key and rate
 limited per client, and the operator admin API.

2) a reconciler service (cmd/reconciler, package reconciler) that settles pending transactions once they reach the
 required confirmations, refreshes the balances they touched and emits the transaction events.

Architecture

Both services share the wallet service layer (package service) which validates requests, enforces tenant limits and
talks to the network through the chain adapter (package lib/block). Private keys are only ever stored sealed with
AES-256-GCM (package lib/keystore) and opened for signing.

Data lives in PostgreSQL (package lib/store/postgres) or in memory for local runs. The append-only event log of
webhook deliveries and API usage can live in PostgreSQL or MongoDB. Domain events are delivered to tenant webhooks and,
when configured, published to an AMQP broker (package lib/msg) where the reconciler picks up new transactions.

Configuration is read from a JSON file, a .env file and WAAS_ prefixed environment variables (package lib/config).
Both services log with zap and can expose Prometheus metrics by setting the flag "-m" at startup.
*/
package waas
