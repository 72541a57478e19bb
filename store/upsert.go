package store

import "gorm.io/gorm/clause"

// upsertCircuitClause builds the ON CONFLICT(provider_id) DO UPDATE clause
// used by the circuit-snapshot writer, mirroring the upsert statement in
// provider_circuit_breakers.rs.
func upsertCircuitClause() clause.OnConflict {
	return clause.OnConflict{
		Columns: []clause.Column{{Name: "provider_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"state", "failure_count", "open_until", "updated_at",
		}),
	}
}
