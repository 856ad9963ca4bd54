// Package lockkeys builds the canonical advisory-lock key strings named in
// spec §5, keeping the prefix scheme ("bdx:migrations", "ingest:<kind>:<id>",
// "materialize:<instance_id>", "retention:cleanup") in one place so the
// postgres store, prereq resolver, and engine never drift out of sync with
// each other.
package lockkeys

import (
	"fmt"

	"github.com/briandastous/bdx/pkg/model"
)

// Migrations is the lock key guarding schema migrations.
const Migrations = "bdx:migrations"

// RetentionCleanup is the lock key guarding the (out-of-scope) retention
// pruning collaborator, reserved here so the core never collides with it.
const RetentionCleanup = "retention:cleanup"

// Ingest builds the lock key serializing ingest runs for one (kind, target).
func Ingest(kind model.IngestKind, targetUserID model.UserID) string {
	return fmt.Sprintf("ingest:%s:%d", kind, targetUserID)
}

// Materialize builds the lock key serializing materializations of one
// instance.
func Materialize(instanceID model.AssetInstanceID) string {
	return fmt.Sprintf("materialize:%d", instanceID)
}
