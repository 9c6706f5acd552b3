package emberdb

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nsavage/emberdb/internal/batch"
	"github.com/nsavage/emberdb/internal/compaction"
	"github.com/nsavage/emberdb/internal/dbformat"
	"github.com/nsavage/emberdb/internal/logging"
	"github.com/nsavage/emberdb/internal/manifest"
	"github.com/nsavage/emberdb/internal/memtable"
	"github.com/nsavage/emberdb/internal/rangedel"
	"github.com/nsavage/emberdb/internal/table"
	"github.com/nsavage/emberdb/internal/version"
	"github.com/nsavage/emberdb/internal/vfs"
	"github.com/nsavage/emberdb/internal/wal"
)

// Errors returned by DB operations.
var (
	// ErrDBClosed is returned when an operation is attempted on a closed database.
	ErrDBClosed = errors.New("db: database is closed")

	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("db: key not found")

	// ErrMergeOperatorNotSet is returned by Merge when no merge operator is configured.
	ErrMergeOperatorNotSet = errors.New("db: merge operator not set")

	// ErrDBExists is returned by Open when ErrorIfExists is set and the database exists.
	ErrDBExists = errors.New("db: database already exists")

	// ErrDBNotFound is returned by Open when CreateIfMissing is unset and the database does not exist.
	ErrDBNotFound = errors.New("db: database does not exist")

	// ErrCorruption indicates on-disk data failed validation.
	ErrCorruption = errors.New("db: corruption detected")

	// ErrInvalidOptions is returned when Options contains an invalid combination of settings.
	ErrInvalidOptions = errors.New("db: invalid options")

	// ErrBackgroundError wraps a sticky background error recorded by flush or compaction.
	ErrBackgroundError = errors.New("db: unrecoverable background error")

	// ErrReadOnly is returned by write operations against a database opened read-only.
	ErrReadOnly = errors.New("db: database is read-only")
)

// DB is an open handle to a database. A DB is safe for concurrent use by
// multiple goroutines.
type DB struct {
	name string

	options    *Options
	fs         vfs.FS
	comparator Comparator
	readOnly   bool

	mu sync.RWMutex

	versions *version.VersionSet

	logFile       vfs.WritableFile
	logFileNumber uint64
	logWriter     *wal.Writer

	mem *memtable.MemTable
	imm *memtable.MemTable
	seq uint64

	columnFamilies *columnFamilySet

	tableCache *table.TableCache

	snapshots    *Snapshot
	snapshotLock sync.Mutex

	bgWork *backgroundWork

	writeController *writeController

	backgroundError error

	immCond *sync.Cond

	logger Logger

	walDisabledWarned bool

	closed     bool
	shutdownCh chan struct{}

	lockManager *LockManager
}

// Open opens (or creates) a database at the given path.
func Open(path string, opts *Options) (*DB, error) {
	return openDB(path, opts, false)
}

// OpenForReadOnly opens a database for read-only access. Write operations
// return ErrReadOnly. errorIfWALFileExists requires the WAL be absent,
// guarding against opening a database that has unflushed, unreplayed writes.
func OpenForReadOnly(path string, opts *Options, errorIfWALFileExists bool) (*DB, error) {
	db, err := openDB(path, opts, true)
	if err != nil {
		return nil, err
	}
	if errorIfWALFileExists {
		logFiles, ferr := db.findLogFiles()
		if ferr == nil && len(logFiles) > 0 {
			_ = db.Close()
			return nil, fmt.Errorf("db: WAL file exists: %w", ErrInvalidOptions)
		}
	}
	return db, nil
}

func openDB(path string, opts *Options, readOnly bool) (*DB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	fs := opts.FS
	if fs == nil {
		fs = vfs.Default()
	}

	comparator := opts.Comparator
	if comparator == nil {
		comparator = DefaultComparator()
	}

	exists := fs.Exists(filepath.Join(path, "CURRENT"))

	if exists && opts.ErrorIfExists {
		return nil, ErrDBExists
	}
	if !exists && !opts.CreateIfMissing {
		return nil, ErrDBNotFound
	}
	if !exists && readOnly {
		return nil, ErrDBNotFound
	}

	if !exists {
		if err := fs.MkdirAll(path, 0o755); err != nil {
			return nil, err
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDefaultLogger(logging.LevelInfo)
	}

	db := &DB{
		name:            path,
		options:         opts,
		fs:              fs,
		comparator:      comparator,
		readOnly:        readOnly,
		shutdownCh:      make(chan struct{}),
		tableCache:      table.NewTableCache(fs, table.DefaultTableCacheOptions()),
		writeController: newWriteController(),
		logger:          logger,
	}
	db.immCond = sync.NewCond(&db.mu)
	db.columnFamilies = newColumnFamilySet(db)
	db.lockManager = NewLockManager(DefaultLockManagerOptions())

	vsOpts := version.VersionSetOptions{
		DBName:              path,
		FS:                  fs,
		MaxManifestFileSize: 1024 * 1024 * 1024,
		NumLevels:           version.MaxNumLevels,
		ComparatorName:      comparator.Name(),
	}
	db.versions = version.NewVersionSet(vsOpts)

	if exists {
		if err := db.recover(); err != nil {
			return nil, err
		}
	} else {
		if err := db.create(); err != nil {
			return nil, err
		}
	}

	if !readOnly {
		db.bgWork = newBackgroundWork(db, opts)
		db.bgWork.start()
		db.bgWork.maybeScheduleCompaction()
	}

	return db, nil
}

// create initializes a brand new, empty database directory.
func (db *DB) create() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.versions.Create(); err != nil {
		return err
	}

	logNumber := db.versions.NextFileNumber()
	logPath := db.logFilePath(logNumber)

	logFile, err := db.fs.Create(logPath)
	if err != nil {
		return err
	}

	db.logFile = logFile
	db.logFileNumber = logNumber
	db.logWriter = wal.NewWriter(logFile, logNumber, false)

	var memCmp memtable.Comparator
	if db.comparator != nil {
		memCmp = db.comparator.Compare
	}
	db.mem = memtable.NewMemTable(memCmp)
	db.seq = 0

	edit := &manifest.VersionEdit{
		HasLogNumber: true,
		LogNumber:    logNumber,
	}
	return db.versions.LogAndApply(edit)
}

// recover restores database state from an existing MANIFEST and WAL.
func (db *DB) recover() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.versions.Recover(); err != nil {
		return err
	}

	db.seq = db.versions.LastSequence()

	recoveredCFs := db.versions.RecoveredColumnFamilies()
	maxCF := db.versions.MaxColumnFamily()
	for _, cf := range recoveredCFs {
		_, err := db.columnFamilies.createWithID(cf.ID, cf.Name, DefaultColumnFamilyOptions())
		if err != nil && !errors.Is(err, ErrColumnFamilyExists) {
			return fmt.Errorf("failed to restore column family %s: %w", cf.Name, err)
		}
	}
	db.columnFamilies.setNextID(maxCF + 1)

	if err := db.replayWAL(); err != nil {
		return fmt.Errorf("WAL replay failed: %w", err)
	}

	if err := db.deleteOrphanedSSTFiles(); err != nil {
		return fmt.Errorf("failed to clean up orphaned SST files: %w", err)
	}

	if db.readOnly {
		return nil
	}

	logNumber := db.versions.NextFileNumber()
	logPath := db.logFilePath(logNumber)

	logFile, err := db.fs.Create(logPath)
	if err != nil {
		return err
	}

	db.logFile = logFile
	db.logFileNumber = logNumber
	db.logWriter = wal.NewWriter(logFile, logNumber, false)

	// Only NextFileNumber advances here. LogNumber stays put so the WAL(s)
	// holding not-yet-flushed writes are still replayed on a future recovery.
	edit := &manifest.VersionEdit{}
	return db.versions.LogAndApply(edit)
}

// logFilePath returns the path to the WAL file with the given number.
func (db *DB) logFilePath(number uint64) string {
	return filepath.Join(db.name, logFileName(number))
}

// logFileName returns the filename for a WAL file.
func logFileName(number uint64) string {
	return fmt.Sprintf("%06d.log", number)
}

// Put sets key to value in the default column family.
func (db *DB) Put(opts *WriteOptions, key, value []byte) error {
	return db.PutCF(opts, nil, key, value)
}

// PutCF sets key to value in the given column family.
func (db *DB) PutCF(opts *WriteOptions, cf ColumnFamilyHandle, key, value []byte) error {
	cfd, err := db.getColumnFamilyData(cf)
	if err != nil {
		return err
	}

	wb := batch.New()
	if cfd.id == DefaultColumnFamilyID {
		wb.Put(key, value)
	} else {
		wb.PutCF(cfd.id, key, value)
	}
	return db.write(opts, wb)
}

// Get retrieves the value for key from the default column family.
func (db *DB) Get(opts *ReadOptions, key []byte) ([]byte, error) {
	return db.GetCF(opts, nil, key)
}

// GetCF retrieves the value for key from the given column family.
func (db *DB) GetCF(opts *ReadOptions, cf ColumnFamilyHandle, key []byte) ([]byte, error) {
	cfd, err := db.getColumnFamilyData(cf)
	if err != nil {
		return nil, err
	}

	if opts == nil {
		opts = DefaultReadOptions()
	}

	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return nil, ErrDBClosed
	}

	var snapshot uint64
	if opts.Snapshot != nil {
		snapshot = opts.Snapshot.Sequence()
	} else {
		snapshot = db.seq
	}

	var mem, imm *memtable.MemTable
	if cfd.id == DefaultColumnFamilyID {
		mem = db.mem
		imm = db.imm
	} else {
		cfd.memMu.RLock()
		mem = cfd.mem
		if len(cfd.imm) > 0 {
			imm = cfd.imm[0]
		}
		cfd.memMu.RUnlock()
	}
	db.mu.RUnlock()

	var mergeOperands [][]byte

	if mem != nil {
		baseValue, memOperands, foundBase, deleted := mem.CollectMergeOperands(key, dbformat.SequenceNumber(snapshot))
		if deleted {
			if len(memOperands) > 0 {
				return db.applyMerge(key, nil, memOperands)
			}
			return nil, ErrNotFound
		}
		if foundBase {
			if len(memOperands) > 0 {
				return db.applyMerge(key, baseValue, memOperands)
			}
			return copySlice(baseValue), nil
		}
		mergeOperands = append(mergeOperands, memOperands...)
	}

	if imm != nil {
		baseValue, immOperands, foundBase, deleted := imm.CollectMergeOperands(key, dbformat.SequenceNumber(snapshot))
		if deleted {
			allOperands := append(mergeOperands, immOperands...)
			if len(allOperands) > 0 {
				return db.applyMerge(key, nil, allOperands)
			}
			return nil, ErrNotFound
		}
		if foundBase {
			allOperands := append(mergeOperands, immOperands...)
			if len(allOperands) > 0 {
				return db.applyMerge(key, baseValue, allOperands)
			}
			return copySlice(baseValue), nil
		}
		mergeOperands = append(mergeOperands, immOperands...)
	}

	// Column families beyond the default do not yet flush to sorted files:
	// their data lives entirely in mem/imm above, so there is nothing further
	// to search once those two have been checked.
	if cfd.id != DefaultColumnFamilyID {
		if len(mergeOperands) > 0 {
			return db.applyMerge(key, nil, mergeOperands)
		}
		return nil, ErrNotFound
	}

	db.mu.RLock()
	current := db.versions.Current()
	if current != nil {
		current.Ref()
	}
	db.mu.RUnlock()

	if current != nil {
		defer current.Unref()
		value, err := db.getFromVersion(current, key, dbformat.SequenceNumber(snapshot), mergeOperands)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	if len(mergeOperands) > 0 {
		return db.applyMerge(key, nil, mergeOperands)
	}

	return nil, ErrNotFound
}

// MultiGet retrieves the values for a set of keys from the default column
// family. The returned slices are positional: values[i]/errs[i] correspond
// to keys[i].
func (db *DB) MultiGet(opts *ReadOptions, keys [][]byte) (values [][]byte, errs []error) {
	if len(keys) == 0 {
		return nil, nil
	}

	values = make([][]byte, len(keys))
	errs = make([]error, len(keys))

	for i, key := range keys {
		values[i], errs[i] = db.Get(opts, key)
	}

	return values, errs
}

// getFromVersion searches a version's sorted files for key, resolving any
// merge operands already collected from the memtables.
func (db *DB) getFromVersion(v *version.Version, key []byte, seq dbformat.SequenceNumber, mergeOperands [][]byte) ([]byte, error) {
	rangeDelAgg := rangedel.NewRangeDelAggregator(seq)

	var existingValue []byte
	foundBase := false

	l0Files := v.Files(0)
	for i := len(l0Files) - 1; i >= 0 && !foundBase; i-- {
		f := l0Files[i]
		if db.comparator.Compare(key, extractUserKey(f.Smallest)) < 0 ||
			db.comparator.Compare(key, extractUserKey(f.Largest)) > 0 {
			continue
		}

		value, found, deleted, isMerge, foundSeq, err := db.getFromFile(f, key, seq, rangeDelAgg)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if deleted || rangeDelAgg.ShouldDelete(key, foundSeq) {
			if len(mergeOperands) > 0 {
				return db.applyMerge(key, nil, mergeOperands)
			}
			return nil, ErrNotFound
		}
		if isMerge {
			mergeOperands = append(mergeOperands, value)
			continue
		}
		foundBase = true
		existingValue = value
	}

	// Files at L1+ are expected to be non-overlapping, but we walk every file
	// at each level rather than binary-searching: a trivial move or an
	// in-flight compaction can briefly leave two files with overlapping
	// ranges, and a linear scan stays correct in that window.
	for level := 1; level < v.NumLevels() && !foundBase; level++ {
		files := v.Files(level)
		for i := len(files) - 1; i >= 0; i-- {
			f := files[i]
			if db.comparator.Compare(key, extractUserKey(f.Smallest)) < 0 ||
				db.comparator.Compare(key, extractUserKey(f.Largest)) > 0 {
				continue
			}

			value, found, deleted, isMerge, foundSeq, err := db.getFromFile(f, key, seq, rangeDelAgg)
			if err != nil {
				return nil, err
			}
			if !found {
				continue
			}
			if deleted || rangeDelAgg.ShouldDelete(key, foundSeq) {
				if len(mergeOperands) > 0 {
					return db.applyMerge(key, nil, mergeOperands)
				}
				return nil, ErrNotFound
			}
			if isMerge {
				mergeOperands = append(mergeOperands, value)
				continue
			}
			foundBase = true
			existingValue = value
			break
		}
	}

	if len(mergeOperands) > 0 {
		return db.applyMerge(key, existingValue, mergeOperands)
	}

	if foundBase {
		return copySlice(existingValue), nil
	}

	return nil, ErrNotFound
}

// getFromFile looks up key in a single sorted file, registering any range
// tombstones it carries with rangeDelAgg along the way.
func (db *DB) getFromFile(f *manifest.FileMetaData, key []byte, seq dbformat.SequenceNumber, rangeDelAgg *rangedel.RangeDelAggregator) ([]byte, bool, bool, bool, dbformat.SequenceNumber, error) {
	fileNum := f.FD.GetNumber()
	path := db.sstFilePath(fileNum)

	reader, err := db.tableCache.Get(fileNum, path)
	if err != nil {
		return nil, false, false, false, 0, err
	}
	defer db.tableCache.Release(fileNum)

	if rangeDelAgg != nil {
		tombstoneList, err := reader.GetRangeTombstoneList()
		if err == nil && !tombstoneList.IsEmpty() {
			rangeDelAgg.AddTombstoneList(0, tombstoneList)
		}
	}

	seekKey := makeInternalKey(key, uint64(seq), dbformat.ValueTypeForSeek)

	iter := reader.NewIterator()
	iter.Seek(seekKey)

	if !iter.Valid() {
		return nil, false, false, false, 0, nil
	}

	foundKey := iter.Key()
	if db.comparator.Compare(extractUserKey(foundKey), key) != 0 {
		return nil, false, false, false, 0, nil
	}

	foundSeq := extractSequenceNumber(foundKey)
	valueType := extractValueType(foundKey)

	switch valueType {
	case dbformat.TypeDeletion, dbformat.TypeSingleDeletion:
		return nil, true, true, false, foundSeq, nil
	case dbformat.TypeMerge:
		return iter.Value(), true, false, true, foundSeq, nil
	default:
		return iter.Value(), true, false, false, foundSeq, nil
	}
}

// applyMerge resolves a chain of merge operands (newest first) on top of an
// optional base value using the configured merge operator.
func (db *DB) applyMerge(key []byte, existingValue []byte, operands [][]byte) ([]byte, error) {
	if db.options.MergeOperator == nil {
		return nil, ErrMergeOperatorNotSet
	}

	reversed := make([][]byte, len(operands))
	for i, op := range operands {
		reversed[len(operands)-1-i] = op
	}

	result, ok := db.options.MergeOperator.FullMerge(key, existingValue, reversed)
	if !ok {
		return nil, fmt.Errorf("merge operator failed for key %q", key)
	}

	return result, nil
}

// copySlice returns an owned copy of src, so callers can't corrupt memtable
// or block-cache memory by mutating a returned value in place.
func copySlice(src []byte) []byte {
	if src == nil {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

func makeInternalKey(userKey []byte, seq uint64, typ dbformat.ValueType) []byte {
	return dbformat.NewInternalKey(userKey, dbformat.SequenceNumber(seq), typ)
}

func extractUserKey(internalKey []byte) []byte {
	return dbformat.ExtractUserKey(internalKey)
}

func extractValueType(internalKey []byte) dbformat.ValueType {
	return dbformat.ExtractValueType(internalKey)
}

func extractSequenceNumber(internalKey []byte) dbformat.SequenceNumber {
	return dbformat.ExtractSequenceNumber(internalKey)
}

// Delete removes key from the default column family.
func (db *DB) Delete(opts *WriteOptions, key []byte) error {
	return db.DeleteCF(opts, nil, key)
}

// DeleteCF removes key from the given column family.
func (db *DB) DeleteCF(opts *WriteOptions, cf ColumnFamilyHandle, key []byte) error {
	cfd, err := db.getColumnFamilyData(cf)
	if err != nil {
		return err
	}

	wb := batch.New()
	if cfd.id == DefaultColumnFamilyID {
		wb.Delete(key)
	} else {
		wb.DeleteCF(cfd.id, key)
	}
	return db.write(opts, wb)
}

// SingleDelete removes key from the default column family. It is only valid
// for keys with at most one Put and no Merge; using it on a key with
// multiple versions produces undefined query results.
func (db *DB) SingleDelete(opts *WriteOptions, key []byte) error {
	return db.SingleDeleteCF(opts, nil, key)
}

// SingleDeleteCF is SingleDelete against a specific column family.
func (db *DB) SingleDeleteCF(opts *WriteOptions, cf ColumnFamilyHandle, key []byte) error {
	cfd, err := db.getColumnFamilyData(cf)
	if err != nil {
		return err
	}

	wb := batch.New()
	if cfd.id == DefaultColumnFamilyID {
		wb.SingleDelete(key)
	} else {
		wb.SingleDeleteCF(cfd.id, key)
	}
	return db.write(opts, wb)
}

// DeleteRange removes all keys in [startKey, endKey) from the default column family.
func (db *DB) DeleteRange(opts *WriteOptions, startKey, endKey []byte) error {
	return db.DeleteRangeCF(opts, nil, startKey, endKey)
}

// DeleteRangeCF removes all keys in [startKey, endKey) from the given column family.
func (db *DB) DeleteRangeCF(opts *WriteOptions, cf ColumnFamilyHandle, startKey, endKey []byte) error {
	cfd, err := db.getColumnFamilyData(cf)
	if err != nil {
		return err
	}

	wb := batch.New()
	if cfd.id == DefaultColumnFamilyID {
		wb.DeleteRange(startKey, endKey)
	} else {
		wb.DeleteRangeCF(cfd.id, startKey, endKey)
	}
	return db.write(opts, wb)
}

// Merge applies a merge operand to key in the default column family.
func (db *DB) Merge(opts *WriteOptions, key, value []byte) error {
	return db.MergeCF(opts, nil, key, value)
}

// MergeCF applies a merge operand to key in the given column family.
func (db *DB) MergeCF(opts *WriteOptions, cf ColumnFamilyHandle, key, value []byte) error {
	if db.options.MergeOperator == nil {
		return ErrMergeOperatorNotSet
	}

	cfd, err := db.getColumnFamilyData(cf)
	if err != nil {
		return err
	}

	wb := batch.New()
	if cfd.id == DefaultColumnFamilyID {
		wb.Merge(key, value)
	} else {
		wb.MergeCF(cfd.id, key, value)
	}
	return db.write(opts, wb)
}

// Write applies a batch of operations atomically: all of it lands in the
// WAL and memtables, or (on failure) none of it does.
func (db *DB) Write(opts *WriteOptions, wb *WriteBatch) error {
	if wb == nil {
		return nil
	}
	return db.write(opts, wb.internalBatch())
}

func (db *DB) write(opts *WriteOptions, wb *batch.WriteBatch) error {
	if opts == nil {
		opts = DefaultWriteOptions()
	}

	if db.readOnly {
		return ErrReadOnly
	}

	db.writeController.maybeStallWrite(len(wb.Data()))

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return ErrDBClosed
	}
	if db.backgroundError != nil {
		err := fmt.Errorf("%w: %w", ErrBackgroundError, db.backgroundError)
		db.mu.Unlock()
		return err
	}

	count := wb.Count()
	firstSeq := db.seq + 1
	wb.SetSequence(firstSeq)
	db.seq += uint64(count)

	if opts.DisableWAL {
		if !db.walDisabledWarned {
			db.walDisabledWarned = true
			if db.logger != nil {
				db.logger.Warnf("DisableWAL=true: writes will be lost if the process crashes before Flush()")
			}
		}
	} else if db.logWriter != nil {
		data := wb.Data()
		if _, err := db.logWriter.AddRecord(data); err != nil {
			db.mu.Unlock()
			return err
		}
		if opts.Sync {
			if err := db.logWriter.Sync(); err != nil {
				db.mu.Unlock()
				return err
			}
		}
	}

	mem := db.mem
	handler := &memtableInserter{
		db:         db,
		sequence:   firstSeq,
		defaultMem: mem,
	}
	db.mu.Unlock()

	if err := wb.Iterate(handler); err != nil {
		return err
	}

	if wbm := db.options.WriteBufferManager; wbm != nil && wbm.Enabled() {
		wbm.ReserveMem(uint64(len(wb.Data())))
		if wbm.ShouldFlush() {
			go db.tryScheduleFlush()
		}
	}

	return nil
}

// tryScheduleFlush signals the background worker to flush; it does not wait
// and reports no error.
func (db *DB) tryScheduleFlush() {
	if db.bgWork != nil {
		db.bgWork.maybeScheduleFlush()
	}
}

// memtableInserter applies a decoded write batch to the appropriate
// column family memtable.
type memtableInserter struct {
	db         *DB
	sequence   uint64
	defaultMem *memtable.MemTable
	lockHeld   bool
}

var _ batch.Handler = (*memtableInserter)(nil)

func (m *memtableInserter) getMemtable(cfID uint32) *memtable.MemTable {
	if cfID == DefaultColumnFamilyID {
		return m.defaultMem
	}
	if !m.lockHeld {
		m.db.mu.RLock()
		defer m.db.mu.RUnlock()
	}
	cfd := m.db.columnFamilies.getByID(cfID)
	if cfd == nil {
		return m.defaultMem
	}
	return cfd.mem
}

func (m *memtableInserter) Put(key, value []byte) error {
	return m.PutCF(DefaultColumnFamilyID, key, value)
}

func (m *memtableInserter) PutCF(cfID uint32, key, value []byte) error {
	m.getMemtable(cfID).Add(dbformat.SequenceNumber(m.sequence), dbformat.TypeValue, key, value)
	m.sequence++
	return nil
}

func (m *memtableInserter) Delete(key []byte) error {
	return m.DeleteCF(DefaultColumnFamilyID, key)
}

func (m *memtableInserter) DeleteCF(cfID uint32, key []byte) error {
	m.getMemtable(cfID).Add(dbformat.SequenceNumber(m.sequence), dbformat.TypeDeletion, key, nil)
	m.sequence++
	return nil
}

func (m *memtableInserter) SingleDelete(key []byte) error {
	return m.SingleDeleteCF(DefaultColumnFamilyID, key)
}

func (m *memtableInserter) SingleDeleteCF(cfID uint32, key []byte) error {
	m.getMemtable(cfID).Add(dbformat.SequenceNumber(m.sequence), dbformat.TypeSingleDeletion, key, nil)
	m.sequence++
	return nil
}

func (m *memtableInserter) Merge(key, value []byte) error {
	return m.MergeCF(DefaultColumnFamilyID, key, value)
}

func (m *memtableInserter) MergeCF(cfID uint32, key, value []byte) error {
	m.getMemtable(cfID).Add(dbformat.SequenceNumber(m.sequence), dbformat.TypeMerge, key, value)
	m.sequence++
	return nil
}

func (m *memtableInserter) DeleteRange(startKey, endKey []byte) error {
	return m.DeleteRangeCF(DefaultColumnFamilyID, startKey, endKey)
}

func (m *memtableInserter) DeleteRangeCF(cfID uint32, startKey, endKey []byte) error {
	m.getMemtable(cfID).AddRangeTombstone(dbformat.SequenceNumber(m.sequence), startKey, endKey)
	m.sequence++
	return nil
}

func (m *memtableInserter) LogData(blob []byte) {}

// NewIterator returns an iterator over the default column family.
func (db *DB) NewIterator(opts *ReadOptions) Iterator {
	return db.NewIteratorCF(opts, nil)
}

// NewIteratorCF returns an iterator over the given column family.
func (db *DB) NewIteratorCF(opts *ReadOptions, cf ColumnFamilyHandle) Iterator {
	cfd, err := db.getColumnFamilyData(cf)
	if err != nil {
		return &errorIterator{err: err}
	}

	if opts == nil {
		opts = DefaultReadOptions()
	}

	var snapshot *Snapshot
	ownsSnapshot := false
	if opts.Snapshot != nil {
		snapshot = opts.Snapshot
	} else {
		snapshot = db.GetSnapshot()
		ownsSnapshot = true
	}

	iter := newDBIteratorCF(db, cfd, snapshot, ownsSnapshot)
	iter.prefixExtractor = db.options.PrefixExtractor
	iter.iterateUpperBound = opts.IterateUpperBound
	iter.iterateLowerBound = opts.IterateLowerBound
	iter.prefixSameAsStart = opts.PrefixSameAsStart
	iter.totalOrderSeek = opts.TotalOrderSeek

	return iter
}

// GetSnapshot takes a consistent point-in-time read view of the database.
func (db *DB) GetSnapshot() *Snapshot {
	db.mu.RLock()
	seq := db.seq
	db.mu.RUnlock()

	s := newSnapshot(db, seq)

	db.snapshotLock.Lock()
	s.next = db.snapshots
	if db.snapshots != nil {
		db.snapshots.prev = s
	}
	db.snapshots = s
	db.snapshotLock.Unlock()

	return s
}

// ReleaseSnapshot releases a previously acquired snapshot.
func (db *DB) ReleaseSnapshot(s *Snapshot) {
	if s != nil {
		s.Release()
	}
}

// releaseSnapshot unlinks s once its reference count has dropped to zero.
func (db *DB) releaseSnapshot(s *Snapshot) {
	db.snapshotLock.Lock()
	defer db.snapshotLock.Unlock()

	if s.prev != nil {
		s.prev.next = s.next
	} else {
		db.snapshots = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
}

// Flush forces the active memtable to a sorted file on disk.
func (db *DB) Flush(opts *FlushOptions) error {
	if opts == nil {
		opts = DefaultFlushOptions()
	}

	if db.readOnly {
		return ErrReadOnly
	}

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return ErrDBClosed
	}
	if db.backgroundError != nil {
		err := fmt.Errorf("%w: %w", ErrBackgroundError, db.backgroundError)
		db.mu.Unlock()
		return err
	}

	for db.imm != nil {
		if db.closed {
			db.mu.Unlock()
			return ErrDBClosed
		}
		if db.backgroundError != nil {
			err := fmt.Errorf("%w: %w", ErrBackgroundError, db.backgroundError)
			db.mu.Unlock()
			return err
		}
		db.immCond.Wait()
	}

	if db.mem.Empty() {
		db.mu.Unlock()
		return nil
	}

	// There's no WAL rotation here: the active WAL keeps taking writes for
	// the new memtable, so LogNumber can't advance until a fresh WAL exists
	// (i.e. on the next Open/recover).
	db.imm = db.mem
	var memCmp memtable.Comparator
	if db.comparator != nil {
		memCmp = db.comparator.Compare
	}
	db.mem = memtable.NewMemTable(memCmp)

	db.recalculateWriteStall()
	db.mu.Unlock()

	if err := db.doFlush(); err != nil {
		return err
	}

	if db.bgWork != nil {
		db.bgWork.maybeScheduleCompaction()
	}

	return nil
}

// SyncWAL fsyncs the current WAL file.
func (db *DB) SyncWAL() error {
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return ErrDBClosed
	}
	logWriter := db.logWriter
	db.mu.RUnlock()

	if logWriter == nil {
		return nil
	}
	return logWriter.Sync()
}

// FlushWAL pushes buffered WAL data to the filesystem, optionally syncing it.
func (db *DB) FlushWAL(sync bool) error {
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return ErrDBClosed
	}
	logFile := db.logFile
	db.mu.RUnlock()

	if logFile == nil {
		return nil
	}
	if sync {
		return db.SyncWAL()
	}
	return nil
}

// GetLatestSequenceNumber returns the sequence number of the most recent write.
func (db *DB) GetLatestSequenceNumber() uint64 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.seq
}

// LockKey acquires an advisory key lock for txnID, blocking up to timeout
// (the lock manager's default if timeout is zero). This does not gate
// Get/Put/Delete, which remain lock-free; it exists for callers that
// coordinate multi-step read-modify-write sequences across goroutines
// and want deadlock detection instead of hand-rolled mutexes per key.
func (db *DB) LockKey(txnID uint64, key []byte, lockType LockType, timeout time.Duration) error {
	return db.lockManager.Lock(txnID, key, lockType, timeout)
}

// TryLockKey attempts to acquire an advisory key lock without blocking.
func (db *DB) TryLockKey(txnID uint64, key []byte, lockType LockType) bool {
	return db.lockManager.TryLock(txnID, key, lockType)
}

// UnlockKey releases an advisory key lock previously acquired by txnID.
func (db *DB) UnlockKey(txnID uint64, key []byte) error {
	return db.lockManager.Unlock(txnID, key)
}

// UnlockAllKeys releases every advisory lock held by txnID.
func (db *DB) UnlockAllKeys(txnID uint64) {
	db.lockManager.UnlockAll(txnID)
}

// Close releases all resources held by the database. Close is idempotent.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	if db.bgWork != nil {
		db.bgWork.stop()
	}
	db.writeController.releaseWriteStall()

	db.mu.Lock()
	defer db.mu.Unlock()

	close(db.shutdownCh)

	if db.logFile != nil {
		_ = db.logFile.Close()
		db.logFile = nil
		db.logWriter = nil
	}

	if db.tableCache != nil {
		_ = db.tableCache.Close()
	}

	if db.versions != nil {
		_ = db.versions.Close()
	}

	return nil
}

// SetBackgroundError records a sticky, unrecoverable background error. Once
// set it cannot be cleared short of reopening the database; new writes fail
// with ErrBackgroundError until then.
func (db *DB) SetBackgroundError(err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.backgroundError == nil && err != nil {
		db.backgroundError = err
	}
}

// GetBackgroundError returns the current background error, if any.
func (db *DB) GetBackgroundError() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.backgroundError
}

// Property name constants accepted by GetProperty.
const (
	PropertyNumImmutableMemTable        = "emberdb.num-immutable-mem-table"
	PropertyNumImmutableMemTableFlushed = "emberdb.num-immutable-mem-table-flushed"
	PropertyMemTableFlushPending        = "emberdb.mem-table-flush-pending"
	PropertyCurSizeActiveMemTable       = "emberdb.cur-size-active-mem-table"
	PropertyCurSizeAllMemTables         = "emberdb.cur-size-all-mem-tables"
	PropertyNumEntriesActiveMemTable    = "emberdb.num-entries-active-mem-table"
	PropertyNumDeletesActiveMemTable    = "emberdb.num-deletes-active-mem-table"

	PropertyCompactionPending     = "emberdb.compaction-pending"
	PropertyNumRunningFlushes     = "emberdb.num-running-flushes"
	PropertyNumRunningCompactions = "emberdb.num-running-compactions"

	PropertyNumFilesAtLevelPrefix = "emberdb.num-files-at-level"
	PropertyLevelStats            = "emberdb.levelstats"

	PropertyNumSnapshots       = "emberdb.num-snapshots"
	PropertyOldestSnapshotTime = "emberdb.oldest-snapshot-time"

	PropertyEstimateNumKeys         = "emberdb.estimate-num-keys"
	PropertyEstimateTableReadersMem = "emberdb.estimate-table-readers-mem"

	PropertyEstimateLiveDataSize = "emberdb.estimate-live-data-size"
	PropertyTotalSstFilesSize    = "emberdb.total-sst-files-size"
	PropertyLiveSstFilesSize     = "emberdb.live-sst-files-size"

	PropertyIsWriteStopped = "emberdb.is-write-stopped"

	PropertyBackgroundErrors = "emberdb.background-errors"

	PropertyNumLiveVersions           = "emberdb.num-live-versions"
	PropertyCurrentSuperVersionNumber = "emberdb.current-super-version-number"
	PropertyNumColumnFamilies         = "emberdb.num-column-families"
)

// GetProperty returns a string-valued introspection property, such as
// memtable occupancy, compaction state, or per-level file counts. The
// second return value is false for unrecognized property names.
func (db *DB) GetProperty(name string) (string, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return "", false
	}

	if after, ok := strings.CutPrefix(name, PropertyNumFilesAtLevelPrefix); ok {
		level, err := strconv.Atoi(after)
		if err != nil || level < 0 || level >= version.MaxNumLevels {
			return "", false
		}
		v := db.versions.Current()
		if v == nil {
			return "0", true
		}
		return strconv.Itoa(len(v.Files(level))), true
	}

	switch name {
	case PropertyNumImmutableMemTable:
		if db.imm != nil {
			return "1", true
		}
		return "0", true

	case PropertyNumImmutableMemTableFlushed:
		return "0", true

	case PropertyMemTableFlushPending:
		if db.imm != nil {
			return "1", true
		}
		return "0", true

	case PropertyCurSizeActiveMemTable:
		if db.mem != nil {
			return strconv.FormatUint(uint64(db.mem.ApproximateMemoryUsage()), 10), true
		}
		return "0", true

	case PropertyCurSizeAllMemTables:
		var size uint64
		if db.mem != nil {
			size += uint64(db.mem.ApproximateMemoryUsage())
		}
		if db.imm != nil {
			size += uint64(db.imm.ApproximateMemoryUsage())
		}
		return strconv.FormatUint(size, 10), true

	case PropertyNumEntriesActiveMemTable:
		if db.mem != nil {
			return strconv.FormatInt(db.mem.Count(), 10), true
		}
		return "0", true

	case PropertyNumDeletesActiveMemTable:
		return "0", true

	case PropertyCompactionPending:
		if db.bgWork != nil && db.bgWork.isCompactionPending() {
			return "1", true
		}
		return "0", true

	case PropertyNumRunningFlushes:
		if db.bgWork != nil {
			return strconv.Itoa(db.bgWork.numRunningFlushes()), true
		}
		return "0", true

	case PropertyNumRunningCompactions:
		if db.bgWork != nil {
			return strconv.Itoa(db.bgWork.numRunningCompactions()), true
		}
		return "0", true

	case PropertyLevelStats:
		return db.getLevelStats(), true

	case PropertyNumSnapshots:
		return strconv.Itoa(db.countSnapshots()), true

	case PropertyOldestSnapshotTime:
		return strconv.FormatInt(db.getOldestSnapshotTime(), 10), true

	case PropertyEstimateNumKeys:
		return strconv.FormatUint(db.estimateNumKeys(), 10), true

	case PropertyEstimateTableReadersMem:
		if db.tableCache != nil {
			return strconv.Itoa(db.tableCache.Size()), true
		}
		return "0", true

	case PropertyEstimateLiveDataSize, PropertyTotalSstFilesSize, PropertyLiveSstFilesSize:
		return strconv.FormatUint(db.getTotalSstFilesSize(), 10), true

	case PropertyIsWriteStopped:
		condition, _ := db.writeController.getStallCondition()
		if condition == WriteStallConditionStopped {
			return "1", true
		}
		return "0", true

	case PropertyBackgroundErrors:
		if db.backgroundError != nil {
			return "1", true
		}
		return "0", true

	case PropertyNumLiveVersions:
		return strconv.Itoa(db.versions.NumLiveVersions()), true

	case PropertyCurrentSuperVersionNumber:
		return strconv.FormatUint(db.versions.CurrentVersionNumber(), 10), true

	case PropertyNumColumnFamilies:
		return strconv.Itoa(db.columnFamilies.count()), true

	default:
		return "", false
	}
}

// getLevelStats formats a human-readable per-level file/size table.
func (db *DB) getLevelStats() string {
	var sb strings.Builder
	sb.WriteString("Level Files Size(MB)\n")

	v := db.versions.Current()
	for level := range version.MaxNumLevels {
		var size uint64
		var numFiles int
		if v != nil {
			files := v.Files(level)
			numFiles = len(files)
			for _, f := range files {
				size += f.FD.FileSize
			}
		}
		fmt.Fprintf(&sb, "%5d %5d %10.2f\n", level, numFiles, float64(size)/(1024*1024))
	}

	return sb.String()
}

// countSnapshots returns the number of outstanding snapshots.
func (db *DB) countSnapshots() int {
	db.snapshotLock.Lock()
	defer db.snapshotLock.Unlock()

	count := 0
	for s := db.snapshots; s != nil; s = s.next {
		count++
	}
	return count
}

// getOldestSnapshotTime returns the Unix creation time of the oldest live
// snapshot, or 0 if there are none.
func (db *DB) getOldestSnapshotTime() int64 {
	db.snapshotLock.Lock()
	defer db.snapshotLock.Unlock()

	var oldest int64
	for s := db.snapshots; s != nil; s = s.next {
		if oldest == 0 || s.createdAt < oldest {
			oldest = s.createdAt
		}
	}
	return oldest
}

// estimateNumKeys adds the count of live memtable entries to a rough
// per-file estimate derived from on-disk size: actual key counts per file
// would require opening and scanning each file's properties block.
func (db *DB) estimateNumKeys() uint64 {
	var count uint64
	if db.mem != nil {
		count += uint64(db.mem.Count())
	}
	if db.imm != nil {
		count += uint64(db.imm.Count())
	}

	v := db.versions.Current()
	if v != nil {
		for level := range v.NumLevels() {
			for _, f := range v.Files(level) {
				count += f.FD.FileSize / 100
			}
		}
	}

	return count
}

// getTotalSstFilesSize sums the on-disk size of every live sorted file.
func (db *DB) getTotalSstFilesSize() uint64 {
	v := db.versions.Current()
	if v == nil {
		return 0
	}

	var size uint64
	for level := range v.NumLevels() {
		for _, f := range v.Files(level) {
			size += f.FD.FileSize
		}
	}
	return size
}

// CreateColumnFamily creates and persists a new column family.
func (db *DB) CreateColumnFamily(opts ColumnFamilyOptions, name string) (ColumnFamilyHandle, error) {
	if db.readOnly {
		return nil, ErrReadOnly
	}

	cfd, err := db.columnFamilies.create(name, opts)
	if err != nil {
		return nil, err
	}

	db.mu.Lock()
	edit := &manifest.VersionEdit{
		HasColumnFamily:    true,
		ColumnFamily:       cfd.id,
		HasMaxColumnFamily: true,
		MaxColumnFamily:    db.columnFamilies.nextID() - 1,
	}
	edit.AddColumnFamily(name)
	err = db.versions.LogAndApply(edit)
	db.mu.Unlock()

	if err != nil {
		_ = db.columnFamilies.drop(cfd)
		return nil, err
	}

	return &columnFamilyHandle{cfd: cfd}, nil
}

// DropColumnFamily marks a column family as dropped. It cannot be used for
// further operations once dropped.
func (db *DB) DropColumnFamily(cf ColumnFamilyHandle) error {
	if db.readOnly {
		return ErrReadOnly
	}

	cfd, err := db.getColumnFamilyData(cf)
	if err != nil {
		return err
	}
	if cfd.id == DefaultColumnFamilyID {
		return ErrCannotDropDefaultCF
	}

	db.mu.Lock()
	edit := &manifest.VersionEdit{
		HasColumnFamily: true,
		ColumnFamily:    cfd.id,
		IsColumnFamilyDrop: true,
	}
	err = db.versions.LogAndApply(edit)
	db.mu.Unlock()

	if err != nil {
		return err
	}

	return db.columnFamilies.drop(cfd)
}

// ListColumnFamilies returns the names of all live column families.
func (db *DB) ListColumnFamilies() []string {
	return db.columnFamilies.listNames()
}

// DefaultColumnFamily returns a handle to the default column family.
func (db *DB) DefaultColumnFamily() ColumnFamilyHandle {
	return &columnFamilyHandle{cfd: db.columnFamilies.getDefault()}
}

// GetColumnFamily returns a handle to the column family with the given name,
// or nil if no such column family exists.
func (db *DB) GetColumnFamily(name string) ColumnFamilyHandle {
	cfd := db.columnFamilies.getByName(name)
	if cfd == nil {
		return nil
	}
	return &columnFamilyHandle{cfd: cfd}
}

// CompactRangeOptions controls the behavior of CompactRange.
type CompactRangeOptions struct {
	// ChangeLevel moves output files to TargetLevel after compacting.
	ChangeLevel bool
	// TargetLevel is the level output files move to when ChangeLevel is set.
	TargetLevel int
	// ExclusiveManualCompaction is not consulted: automatic compactions can run
	// while a manual compaction is in progress.
	ExclusiveManualCompaction bool
}

// CompactRange manually compacts the key range [start, end]. A nil start or
// end means unbounded in that direction.
func (db *DB) CompactRange(opts *CompactRangeOptions, start, end []byte) error {
	if db.readOnly {
		return ErrReadOnly
	}
	if opts == nil {
		opts = &CompactRangeOptions{}
	}

	if err := db.Flush(nil); err != nil && !errors.Is(err, ErrDBClosed) {
		return err
	}

	for level := 0; level < version.MaxNumLevels-1; level++ {
		db.mu.RLock()
		v := db.versions.Current()
		if v != nil {
			v.Ref()
		}
		db.mu.RUnlock()
		if v == nil {
			continue
		}

		err := db.compactLevel(v, level, start, end, opts)
		v.Unref()
		if err != nil {
			return err
		}
	}

	return nil
}

// compactLevel runs one manual compaction covering [start, end] at level.
func (db *DB) compactLevel(v *version.Version, level int, start, end []byte, opts *CompactRangeOptions) error {
	db.mu.Lock()
	levelInputs := v.OverlappingInputs(level, start, end)
	if len(levelInputs) == 0 {
		db.mu.Unlock()
		return nil
	}

	outputLevel := level + 1
	if opts.ChangeLevel && opts.TargetLevel > 0 {
		outputLevel = opts.TargetLevel
	}

	inputs := []*compaction.CompactionInputFiles{{Level: level, Files: levelInputs}}
	if outputLevel != level {
		if outputInputs := v.OverlappingInputs(outputLevel, start, end); len(outputInputs) > 0 {
			inputs = append(inputs, &compaction.CompactionInputFiles{Level: outputLevel, Files: outputInputs})
		}
	}

	c := compaction.NewCompaction(inputs, outputLevel)
	c.Reason = compaction.CompactionReasonManualCompaction
	c.MarkFilesBeingCompacted(true)
	db.mu.Unlock()

	defer func() {
		db.mu.Lock()
		c.MarkFilesBeingCompacted(false)
		db.mu.Unlock()
	}()

	return db.bgWork.executeCompaction(c)
}

// recalculateWriteStall re-derives the write stall condition from current
// memtable and L0 occupancy and applies it to the write controller. Callers
// must hold db.mu.
func (db *DB) recalculateWriteStall() {
	numUnflushed := 1
	if db.imm != nil {
		numUnflushed = 2
	}

	numL0Files := 0
	if v := db.versions.Current(); v != nil {
		numL0Files = v.NumFiles(0)
	}

	condition, cause := recalculateWriteStallCondition(
		numUnflushed,
		numL0Files,
		db.options.MaxWriteBufferNumber,
		db.options.Level0SlowdownWritesTrigger,
		db.options.Level0StopWritesTrigger,
		db.options.DisableAutoCompactions,
	)
	prevCondition, _ := db.writeController.getStallCondition()
	db.writeController.setStallCondition(condition, cause)
	if condition != prevCondition {
		if l := db.options.EventListener; l != nil {
			l.OnStallConditionsChanged(&WriteStallInfo{Condition: condition, Prev: prevCondition})
		}
	}
}
