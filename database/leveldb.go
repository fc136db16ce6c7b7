package database

import (
    "strconv"

    "github.com/syndtr/goleveldb/leveldb"
    levelErrors "github.com/syndtr/goleveldb/leveldb/errors"

    . "github.com/openfleet/fleetd/logging"
    "github.com/openfleet/fleetd/state"
)

var keyLatestStateVersion = []byte("version.latest")
var keyLastConvergedVersion = []byte("version.converged")

const keyStartTimestampPrefix = "startTimestamp."

// LevelDBStateStore persists the controller markers in a local leveldb
// database.
type LevelDBStateStore struct {
    file string
    db *leveldb.DB
}

func NewLevelDBStateStore(file string) *LevelDBStateStore {
    return &LevelDBStateStore{
        file: file,
    }
}

func (store *LevelDBStateStore) Open() error {
    store.Close()

    db, err := leveldb.OpenFile(store.file, nil)

    if err != nil {
        if levelErrors.IsCorrupted(err) {
            Log.Criticalf("State store %s is corrupted: %v", store.file, err.Error())

            return ECorrupted
        }

        return err
    }

    store.db = db

    return nil
}

// Recover rebuilds a corrupted state store. Markers recovered this way may be
// stale, which at worst causes version reuse within an already published
// range; callers that care should bump the latest version afterward.
func (store *LevelDBStateStore) Recover() error {
    store.Close()

    db, err := leveldb.RecoverFile(store.file, nil)

    if err != nil {
        return err
    }

    store.db = db

    return nil
}

func (store *LevelDBStateStore) Close() error {
    if store.db == nil {
        return nil
    }

    err := store.db.Close()
    store.db = nil

    return err
}

func (store *LevelDBStateStore) getInt(key []byte) (int, error) {
    if store.db == nil {
        return 0, EClosed
    }

    value, err := store.db.Get(key, nil)

    if err == leveldb.ErrNotFound {
        return 0, nil
    }

    if err != nil {
        return 0, err
    }

    version, err := strconv.Atoi(string(value))

    if err != nil {
        return 0, ECorrupted
    }

    return version, nil
}

func (store *LevelDBStateStore) putInt(key []byte, value int) error {
    if store.db == nil {
        return EClosed
    }

    return store.db.Put(key, []byte(strconv.Itoa(value)), nil)
}

func (store *LevelDBStateStore) LatestStateVersion() (int, error) {
    return store.getInt(keyLatestStateVersion)
}

func (store *LevelDBStateStore) SetLatestStateVersion(version int) error {
    return store.putInt(keyLatestStateVersion, version)
}

func (store *LevelDBStateStore) LastConvergedVersion() (int, error) {
    return store.getInt(keyLastConvergedVersion)
}

func (store *LevelDBStateStore) SetLastConvergedVersion(version int) error {
    return store.putInt(keyLastConvergedVersion, version)
}

func (store *LevelDBStateStore) StartTimestamp(node state.Node) (uint64, error) {
    if store.db == nil {
        return 0, EClosed
    }

    value, err := store.db.Get([]byte(keyStartTimestampPrefix + node.String()), nil)

    if err == leveldb.ErrNotFound {
        return 0, nil
    }

    if err != nil {
        return 0, err
    }

    timestamp, err := strconv.ParseUint(string(value), 10, 64)

    if err != nil {
        return 0, ECorrupted
    }

    return timestamp, nil
}

func (store *LevelDBStateStore) SetStartTimestamp(node state.Node, timestamp uint64) error {
    if store.db == nil {
        return EClosed
    }

    return store.db.Put([]byte(keyStartTimestampPrefix + node.String()), []byte(strconv.FormatUint(timestamp, 10)), nil)
}
