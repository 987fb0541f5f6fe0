// Package models contains GORM-specific persistence models that map to database tables.
// These models are separate from domain entities to keep the domain layer pure and free
// from ORM concerns.
//
// Nested value objects (shortlists, broadcast info, checks, alerts) are stored as
// JSON columns. Columns that queries filter or aggregate on are stored flat.
//
// Structure:
// - base.go: Base persistence models (BaseModel, AggregateModel, OrgAggregateModel)
// - sourcing.go: Sourcing context models (SourcingSession, CarrierProposal)
// - vigilance.go: Vigilance context models (VigilanceRecord)
package models
