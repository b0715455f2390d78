// Package database runs compiled plans on bun: a session.Driver for mysql,
// postgres (lib/pq or pgx) and sqlite, the connection manager and factory,
// query hooks, SQL error classification and table bootstrap.
package database
