// background.go schedules and runs background flush and compaction work.
package emberdb

import (
	"fmt"
	"sync"

	"github.com/nsavage/emberdb/internal/compaction"
	"github.com/nsavage/emberdb/internal/manifest"
)

// backgroundWork handles background tasks like flush and compaction.
type backgroundWork struct {
	db *DB

	picker compaction.CompactionPicker

	maxSubcompactions int
	rateLimiter       RateLimiter

	compactionCh   chan struct{}
	flushCh        chan struct{}
	shutdownCh     chan struct{}
	backgroundDone sync.WaitGroup

	mu                sync.Mutex
	compactionRunning bool
	flushRunning      bool
	backgroundErrors  int
	paused            bool
	pauseCond         *sync.Cond
}

// newBackgroundWork creates a new background work handler.
func newBackgroundWork(db *DB, opts *Options) *backgroundWork {
	picker := createCompactionPicker(opts)
	maxSub := opts.MaxSubcompactions
	if maxSub <= 0 {
		maxSub = 1
	}
	bg := &backgroundWork{
		db:                db,
		picker:            picker,
		maxSubcompactions: maxSub,
		rateLimiter:       opts.RateLimiter,
		compactionCh:      make(chan struct{}, 1),
		flushCh:           make(chan struct{}, 1),
		shutdownCh:        make(chan struct{}),
	}
	bg.pauseCond = sync.NewCond(&bg.mu)
	return bg
}

// compactionFilterAdapter adapts CompactionFilter to compaction.Filter.
type compactionFilterAdapter struct {
	filter CompactionFilter
}

func (a *compactionFilterAdapter) Name() string {
	return a.filter.Name()
}

func (a *compactionFilterAdapter) Filter(level int, key, value []byte) (compaction.FilterDecision, []byte) {
	decision, newValue := a.filter.Filter(level, key, value)
	switch decision {
	case FilterRemove:
		return compaction.FilterRemove, nil
	case FilterChange:
		return compaction.FilterChange, newValue
	default:
		return compaction.FilterKeep, nil
	}
}

// rateLimiterAdapter adapts the RateLimiter interface to compaction.RateLimiter.
type rateLimiterAdapter struct {
	limiter RateLimiter
}

func (a *rateLimiterAdapter) Request(bytes int64, priority int) {
	if a.limiter != nil {
		a.limiter.Request(bytes, IOPriority(priority))
	}
}

// createCompactionPicker creates the appropriate picker based on options.
func createCompactionPicker(opts *Options) compaction.CompactionPicker {
	switch opts.CompactionStyle {
	case CompactionStyleUniversal:
		var uopts *compaction.UniversalCompactionOptions
		if opts.UniversalCompactionOptions != nil {
			uopts = &compaction.UniversalCompactionOptions{
				SizeRatio:                   opts.UniversalCompactionOptions.SizeRatio,
				MinMergeWidth:               opts.UniversalCompactionOptions.MinMergeWidth,
				MaxMergeWidth:               opts.UniversalCompactionOptions.MaxMergeWidth,
				MaxSizeAmplificationPercent: opts.UniversalCompactionOptions.MaxSizeAmplificationPercent,
				AllowTrivialMove:            opts.UniversalCompactionOptions.AllowTrivialMove,
			}
		}
		return compaction.NewUniversalCompactionPicker(uopts)

	case CompactionStyleFIFO:
		var fopts *compaction.FIFOCompactionOptions
		if opts.FIFOCompactionOptions != nil {
			fopts = &compaction.FIFOCompactionOptions{
				MaxTableFilesSize: opts.FIFOCompactionOptions.MaxTableFilesSize,
				TTL:               opts.FIFOCompactionOptions.TTL,
				AllowCompaction:   opts.FIFOCompactionOptions.AllowCompaction,
			}
		}
		return compaction.NewFIFOCompactionPicker(fopts)

	default:
		picker := compaction.DefaultLeveledCompactionPicker()
		if opts.Level0FileNumCompactionTrigger > 0 {
			picker.L0CompactionTrigger = opts.Level0FileNumCompactionTrigger
		}
		if opts.MaxBytesForLevelBase > 0 {
			picker.MaxBytesForLevelBase = uint64(opts.MaxBytesForLevelBase)
		}
		return picker
	}
}

// start starts the background workers.
func (bg *backgroundWork) start() {
	bg.backgroundDone.Add(1)
	go bg.backgroundLoop()
}

// stop stops the background workers and waits for them to finish.
func (bg *backgroundWork) stop() {
	close(bg.shutdownCh)
	bg.backgroundDone.Wait()
}

// pause pauses all background work.
func (bg *backgroundWork) pause() {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	bg.paused = true
}

// resume resumes background work after pause.
func (bg *backgroundWork) resume() {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	bg.paused = false
	bg.pauseCond.Broadcast()
}

// isPaused returns true if background work is paused.
func (bg *backgroundWork) isPaused() bool {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	return bg.paused
}

// waitIfPaused blocks while background work is paused.
func (bg *backgroundWork) waitIfPaused() {
	bg.mu.Lock()
	for bg.paused {
		bg.pauseCond.Wait()
	}
	bg.mu.Unlock()
}

// maybeScheduleCompaction signals that compaction may be needed.
func (bg *backgroundWork) maybeScheduleCompaction() {
	select {
	case bg.compactionCh <- struct{}{}:
	default:
	}
}

// maybeScheduleFlush signals that flush may be needed.
func (bg *backgroundWork) maybeScheduleFlush() {
	select {
	case bg.flushCh <- struct{}{}:
	default:
	}
}

func (bg *backgroundWork) backgroundLoop() {
	defer bg.backgroundDone.Done()

	for {
		select {
		case <-bg.shutdownCh:
			return
		case <-bg.flushCh:
			bg.doFlushWork()
		case <-bg.compactionCh:
			bg.doCompactionWork()
		}
	}
}

func (bg *backgroundWork) doFlushWork() {
	bg.waitIfPaused()

	bg.mu.Lock()
	if bg.flushRunning {
		bg.mu.Unlock()
		return
	}
	bg.flushRunning = true
	bg.mu.Unlock()

	defer func() {
		bg.mu.Lock()
		bg.flushRunning = false
		bg.mu.Unlock()
	}()

	bg.db.mu.Lock()
	needsFlush := bg.db.imm != nil
	bg.db.mu.Unlock()

	if !needsFlush {
		return
	}

	if err := bg.db.Flush(nil); err != nil {
		bg.db.SetBackgroundError(err)
		bg.incrementBackgroundErrors()
	}

	bg.maybeScheduleCompaction()
}

func (bg *backgroundWork) doCompactionWork() {
	if bg.db.options.DisableAutoCompactions {
		return
	}
	bg.waitIfPaused()

	bg.mu.Lock()
	if bg.compactionRunning {
		bg.mu.Unlock()
		return
	}
	bg.compactionRunning = true
	bg.mu.Unlock()

	defer func() {
		bg.mu.Lock()
		bg.compactionRunning = false
		bg.mu.Unlock()
	}()

	bg.db.mu.RLock()
	v := bg.db.versions.Current()
	if v != nil {
		v.Ref()
	}
	bg.db.mu.RUnlock()

	if v == nil {
		return
	}
	defer v.Unref()

	if !bg.picker.NeedsCompaction(v) {
		return
	}

	bg.db.mu.Lock()
	c := bg.picker.PickCompaction(v)
	if c == nil {
		bg.db.mu.Unlock()
		return
	}
	c.MarkFilesBeingCompacted(true)
	bg.db.mu.Unlock()

	defer func() {
		bg.db.mu.Lock()
		c.MarkFilesBeingCompacted(false)
		bg.db.mu.Unlock()
	}()

	if l := bg.db.options.EventListener; l != nil {
		l.OnCompactionBegin(&CompactionJobInfo{})
	}

	err := bg.executeCompaction(c)

	if l := bg.db.options.EventListener; l != nil {
		l.OnCompactionCompleted(&CompactionJobInfo{Status: err})
	}

	if err != nil {
		bg.db.SetBackgroundError(err)
		bg.incrementBackgroundErrors()
		if l := bg.db.options.EventListener; l != nil {
			l.OnBackgroundError(&BackgroundErrorInfo{Reason: BackgroundErrorReasonCompaction, Status: err})
		}
		return
	}

	bg.maybeScheduleCompaction()
}

// executeCompaction runs a compaction job synchronously.
func (bg *backgroundWork) executeCompaction(c *compaction.Compaction) error {
	if c.IsDeletionCompaction {
		return bg.executeDeletionCompaction(c)
	}

	bg.db.mu.Lock()
	dbPath := bg.db.name
	fs := bg.db.fs
	tableCache := bg.db.tableCache
	versions := bg.db.versions

	for _, input := range c.Inputs {
		for _, f := range input.Files {
			path := fmt.Sprintf("%s/%06d.sst", dbPath, f.FD.GetNumber())
			if !fs.Exists(path) {
				bg.db.mu.Unlock()
				return fmt.Errorf("input file %d no longer exists", f.FD.GetNumber())
			}
		}
	}
	bg.db.mu.Unlock()

	nextFileNum := func() uint64 {
		return versions.NextFileNumber()
	}

	var compFilter compaction.Filter
	if bg.db.options.CompactionFilterFactory != nil {
		isFull := len(c.Inputs) > 1 && c.OutputLevel > 1
		ctx := CompactionFilterContext{
			IsFull:         isFull,
			IsManual:       false,
			ColumnFamilyID: 0,
		}
		filter := bg.db.options.CompactionFilterFactory.CreateCompactionFilter(ctx)
		compFilter = &compactionFilterAdapter{filter: filter}
	} else if bg.db.options.CompactionFilter != nil {
		compFilter = &compactionFilterAdapter{filter: bg.db.options.CompactionFilter}
	}

	var rl compaction.RateLimiter
	if bg.rateLimiter != nil {
		rl = &rateLimiterAdapter{limiter: bg.rateLimiter}
	}

	var outputFiles []*manifest.FileMetaData
	var err error

	if bg.maxSubcompactions > 1 && c.NumInputFiles() >= 4 {
		parallelJob := compaction.NewParallelCompactionJob(
			c, dbPath, fs, tableCache, nextFileNum, bg.maxSubcompactions,
		)
		outputFiles, err = parallelJob.Run()
	} else {
		job := compaction.NewCompactionJobWithRateLimiter(
			c, dbPath, fs, tableCache, nextFileNum, 0, rl,
		)
		if compFilter != nil {
			job.SetFilter(compFilter)
		}
		outputFiles, err = job.Run()
	}
	if err != nil {
		return err
	}

	c.AddInputDeletions()

	bg.db.mu.Lock()
	defer bg.db.mu.Unlock()

	if err := versions.LogAndApply(c.Edit); err != nil {
		return err
	}

	bg.db.recalculateWriteStall()

	for _, input := range c.Inputs {
		for _, f := range input.Files {
			tableCache.Evict(f.FD.GetNumber())
		}
	}

	_ = len(outputFiles)
	return nil
}

// executeDeletionCompaction handles FIFO-style deletion compaction: it drops
// files from the version without running a merge pass over their contents.
func (bg *backgroundWork) executeDeletionCompaction(c *compaction.Compaction) error {
	bg.db.mu.Lock()
	defer bg.db.mu.Unlock()

	tableCache := bg.db.tableCache
	versions := bg.db.versions

	c.AddInputDeletions()

	if err := versions.LogAndApply(c.Edit); err != nil {
		return err
	}

	for _, input := range c.Inputs {
		for _, f := range input.Files {
			tableCache.Evict(f.FD.GetNumber())
		}
	}

	return nil
}

// isCompactionPending returns true if compaction has been scheduled but not
// yet started.
func (bg *backgroundWork) isCompactionPending() bool {
	select {
	case <-bg.compactionCh:
		select {
		case bg.compactionCh <- struct{}{}:
		default:
		}
		return true
	default:
		return false
	}
}

// numRunningFlushes returns the number of currently running flush operations.
func (bg *backgroundWork) numRunningFlushes() int {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	if bg.flushRunning {
		return 1
	}
	return 0
}

// numRunningCompactions returns the number of currently running compactions.
func (bg *backgroundWork) numRunningCompactions() int {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	if bg.compactionRunning {
		return 1
	}
	return 0
}

// numBackgroundErrors returns the number of background errors recorded.
func (bg *backgroundWork) numBackgroundErrors() int {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	return bg.backgroundErrors
}

// incrementBackgroundErrors increments the background error count.
func (bg *backgroundWork) incrementBackgroundErrors() {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	bg.backgroundErrors++
}
