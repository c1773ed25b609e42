package audit

import "embed"

// Migrations holds the decision_events schema, applied in file name order
// by cmd/migrator.
//
//go:embed migrations/*.sql
var Migrations embed.FS
