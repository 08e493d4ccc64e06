package cachestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	v:<version>                 gob(VersionInfo)
//	e:<version>\x00<identity>   gob(Snapshot)
func metaKey(version string) []byte { return []byte("v:" + version) }

func entryPrefix(version string) []byte { return []byte("e:" + version + "\x00") }

func entryKey(version, key string) []byte { return []byte("e:" + version + "\x00" + key) }

// LevelDB is a Backend persisted in a LevelDB directory.
type LevelDB struct {
	db *leveldb.DB

	mu        sync.Mutex
	index     map[string]int64 // entry key -> encoded size
	totalSize int64
}

func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open leveldb %s: %v", ErrStorageUnavailable, path, err)
	}
	d := &LevelDB{db: db, index: map[string]int64{}}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *LevelDB) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte("e:")), nil)
	defer it.Release()

	var total int64
	idx := map[string]int64{}
	for it.Next() {
		sz := int64(len(it.Value()))
		idx[string(it.Key())] = sz
		total += sz
	}
	if err := it.Error(); err != nil {
		return err
	}
	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *LevelDB) CreateVersion(_ context.Context, info VersionInfo) error {
	b, err := encodeGob(info)
	if err != nil {
		return err
	}
	return d.db.Put(metaKey(info.Name), b, nil)
}

func (d *LevelDB) SetInfo(ctx context.Context, info VersionInfo) error {
	return d.CreateVersion(ctx, info)
}

func (d *LevelDB) Info(_ context.Context, version string) (VersionInfo, bool, error) {
	b, err := d.db.Get(metaKey(version), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return VersionInfo{}, false, nil
	}
	if err != nil {
		return VersionInfo{}, false, err
	}
	var info VersionInfo
	if err := decodeGob(b, &info); err != nil {
		return VersionInfo{}, false, err
	}
	return info, true, nil
}

func (d *LevelDB) Versions(_ context.Context) ([]VersionInfo, error) {
	it := d.db.NewIterator(util.BytesPrefix([]byte("v:")), nil)
	defer it.Release()

	var out []VersionInfo
	for it.Next() {
		var info VersionInfo
		if err := decodeGob(it.Value(), &info); err != nil {
			// keep the version visible so GC can still remove it
			info = VersionInfo{Name: string(bytes.TrimPrefix(it.Key(), []byte("v:")))}
		}
		out = append(out, info)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *LevelDB) Put(_ context.Context, version, key string, snap Snapshot) error {
	b, err := encodeGob(snap)
	if err != nil {
		return err
	}
	k := entryKey(version, key)
	if err := d.db.Put(k, b, nil); err != nil {
		return err
	}

	size := int64(len(b))
	d.mu.Lock()
	d.totalSize += size - d.index[string(k)]
	d.index[string(k)] = size
	d.mu.Unlock()
	return nil
}

func (d *LevelDB) Get(_ context.Context, version, key string) (Snapshot, bool, error) {
	b, err := d.db.Get(entryKey(version, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := decodeGob(b, &snap); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (d *LevelDB) Delete(_ context.Context, version, key string) error {
	k := entryKey(version, key)
	if err := d.db.Delete(k, nil); err != nil {
		return err
	}
	d.mu.Lock()
	if sz, ok := d.index[string(k)]; ok {
		d.totalSize -= sz
		delete(d.index, string(k))
	}
	d.mu.Unlock()
	return nil
}

// DeleteVersion removes the version meta and all of its entries in one batch.
func (d *LevelDB) DeleteVersion(_ context.Context, version string) error {
	batch := new(leveldb.Batch)
	var keys []string

	it := d.db.NewIterator(util.BytesPrefix(entryPrefix(version)), nil)
	for it.Next() {
		k := append([]byte(nil), it.Key()...)
		batch.Delete(k)
		keys = append(keys, string(k))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	batch.Delete(metaKey(version))

	if err := d.db.Write(batch, nil); err != nil {
		return err
	}

	d.mu.Lock()
	for _, k := range keys {
		if sz, ok := d.index[k]; ok {
			d.totalSize -= sz
			delete(d.index, k)
		}
	}
	d.mu.Unlock()
	return nil
}

func (d *LevelDB) Usage(ctx context.Context) (Usage, error) {
	versions, err := d.Versions(ctx)
	if err != nil {
		return Usage{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return Usage{
		Versions:  len(versions),
		Entries:   len(d.index),
		DiskBytes: d.totalSize,
	}, nil
}

func (d *LevelDB) Close() error {
	return d.db.Close()
}
