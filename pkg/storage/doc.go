/*
Package storage persists sdmgr records.

Two backends implement Store:

  - BoltStore (default) keeps JSON documents in bbolt buckets, one bucket per
    record type. Domain names and site labels have index buckets so lookups
    by name do not scan. Providers live in one nested bucket per kind, each
    with its own id sequence, and settings in one nested bucket per config id.
  - GormStore keeps the same records in SQLite tables through gorm, for
    operators who want to inspect or back up state with SQL tooling.

Both enforce the same invariants:

  - domain names and site labels are unique (ErrDuplicate)
  - ids are assigned by the store on create
  - one status check row per check id, overwritten on every Put
  - SaveProviderState replaces the opaque agent state and stamps UpdatedTime;
    UpdateProvider leaves the state alone

SealedStore decorates either backend and encrypts credential settings with
security.SecretsManager before they reach disk.

Store methods take no context; every call is a short local transaction.
*/
package storage
