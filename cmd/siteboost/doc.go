// Command siteboost runs the website analysis service.
//
// Subcommands:
//   - serve: start the HTTP API, stage workers and maintenance jobs.
//   - migrate: apply the Postgres schema and exit.
//   - token: print a signed bearer token for a caller (auth.mode=jwt).
//
// Configuration is read from an optional YAML file (--config), a .env file in
// the working directory, and SITEBOOST_* environment variables, in increasing
// order of precedence. For example SITEBOOST_DATABASE_DSN sets database.dsn.
//
// Run locally with the in-memory backends:
//
//	SITEBOOST_AUTH_MODE=none go run ./cmd/siteboost serve
package main
