package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

const (
	metaNamespace  = "__meta"
	metaRecordType = "META"
	schemaRecordID = "schema_version"
)

// SchemaVersion is the record layout this build reads and writes.
const SchemaVersion = 1

// ErrSchemaTooNew is returned when the store was written by a newer build.
var ErrSchemaTooNew = errors.New("storage schema is newer than this build supports")

// EnsureSchemaVersion is run once at startup. It stamps an empty store with
// SchemaVersion and refuses to serve a store stamped with a newer version.
// Request handlers never probe the layout.
func EnsureSchemaVersion(repo Repository) (int, error) {
	env, err := repo.Get(metaNamespace, metaRecordType, schemaRecordID)
	if err != nil && !IsNotFound(err) {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	if env == nil {
		data, _ := json.Marshal(strconv.Itoa(SchemaVersion))
		stamp := &Envelope{Ver: 1, Scheme: SchemePlainJSON, Ciphertext: data}
		if err := repo.Put(metaNamespace, metaRecordType, schemaRecordID, stamp); err != nil {
			return 0, fmt.Errorf("writing schema version: %w", err)
		}
		return SchemaVersion, nil
	}
	var raw string
	if err := json.Unmarshal(env.Ciphertext, &raw); err != nil {
		return 0, fmt.Errorf("decoding schema version: %w", ErrCorrupt)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("decoding schema version %q: %w", raw, ErrCorrupt)
	}
	if v > SchemaVersion {
		return v, fmt.Errorf("store at v%d, build supports v%d: %w", v, SchemaVersion, ErrSchemaTooNew)
	}
	return v, nil
}
