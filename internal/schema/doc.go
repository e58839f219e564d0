// Package schema defines the syncable entities recorded by catchlog.
//
// # Overview
//
// A fishing Session is the aggregate root. TrackPoints, Catches and
// PhotoMeta rows each reference exactly one Session. Every entity embeds
// SyncFields, which carry the bookkeeping the sync protocol relies on:
//
//   - id: client-generated UUID, stable across devices
//   - last_modified_at: local time of the most recent write
//   - is_synced: false until the server confirms the current version
//   - is_deleted: soft-delete flag; rows are never removed
//
// # Wire Format
//
// The remote service speaks a slightly different dialect than the local
// tables (epoch-second timestamps, "acc" for accuracy, "s3_key" for the
// photo storage key). The *Payload types in wire.go describe that format
// and convert to and from the entity types.
//
// # Usage Examples
//
// Starting a session and logging a catch:
//
//	s := schema.NewSession("", time.Now())
//	c := &schema.Catch{
//	    SyncFields: schema.SyncFields{ID: schema.NewID()},
//	    SessionID:  s.ID,
//	    TS:         time.Now(),
//	    Species:    "Bass",
//	}
//	if err := c.Validate(); err != nil {
//	    return err
//	}
package schema
