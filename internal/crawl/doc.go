// Package crawl defines the domain types, sentinel errors, and collaborator
// interfaces shared by the orchestration and ingestion subsystems. It must not
// import storage drivers or transport clients; implementations live in
// internal/storage, internal/frontier, and internal/publisher.
package crawl
