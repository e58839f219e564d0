// Package daemon runs catchlog in the background.
//
// The daemon:
//  1. Runs a sync cycle at startup and then on every SyncInterval
//  2. Follows the active session and arms or disarms the location sampler
//  3. Watches the credential file and syncs as soon as a login lands
//  4. Refreshes the access token when the server answers 401
//  5. Uploads pending photo bytes after each successful cycle
//  6. Publishes sync results to the event publisher (dashboard, NATS)
//
// Sessions are started and stopped by separate CLI invocations, so the
// daemon polls the store for the active session instead of being told.
package daemon
