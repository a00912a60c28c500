package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/session-proxy/internal/models"
	"github.com/user/session-proxy/internal/repository"
	"go.uber.org/zap"
)

// LogService handles request logging with async batch writes
type LogService struct {
	repo          repository.RequestLogRepository
	logger        *zap.Logger
	logChan       chan *models.RequestLogEntry
	done          chan struct{}
	stopOnce      sync.Once
	stopped       atomic.Bool
	wg            sync.WaitGroup
	batchSize     int
	flushInterval time.Duration
}

// NewLogService creates a new LogService and starts its writer.
func NewLogService(repo repository.RequestLogRepository, logger *zap.Logger) *LogService {
	return newLogService(repo, logger, 100, 5*time.Second)
}

func newLogService(repo repository.RequestLogRepository, logger *zap.Logger, batchSize int, flushInterval time.Duration) *LogService {
	ls := &LogService{
		repo:          repo,
		logger:        logger,
		logChan:       make(chan *models.RequestLogEntry, 1000),
		done:          make(chan struct{}),
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}

	ls.wg.Add(1)
	go ls.batchWriter()

	return ls
}

// LogRequest queues a request log entry for async writing. It never
// blocks the caller on a full queue or after Stop.
func (ls *LogService) LogRequest(entry *models.RequestLogEntry) {
	if ls.stopped.Load() {
		ls.insertNow(entry)
		return
	}
	select {
	case ls.logChan <- entry:
	default:
		ls.logger.Warn("log channel full, writing synchronously")
		ls.insertNow(entry)
	}
}

func (ls *LogService) insertNow(entry *models.RequestLogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := ls.repo.Insert(ctx, entry); err != nil {
		ls.logger.Error("failed to insert log", zap.Error(err))
	}
}

// batchWriter processes log entries in batches
func (ls *LogService) batchWriter() {
	defer ls.wg.Done()

	batch := make([]*models.RequestLogEntry, 0, ls.batchSize)
	ticker := time.NewTicker(ls.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := ls.repo.InsertBatch(ctx, batch); err != nil {
			// One bad row fails the transaction; retry row by row so the
			// rest still land.
			ls.logger.Warn("batch insert failed, retrying per entry", zap.Error(err))
			for _, entry := range batch {
				if _, err := ls.repo.Insert(ctx, entry); err != nil {
					ls.logger.Error("failed to insert log entry",
						zap.String("request_id", entry.RequestID), zap.Error(err))
				}
			}
		}
		ls.logger.Debug("flushed log batch", zap.Int("count", len(batch)))
		batch = batch[:0]
	}

	for {
		select {
		case <-ls.done:
			for {
				select {
				case entry := <-ls.logChan:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		case entry := <-ls.logChan:
			batch = append(batch, entry)
			if len(batch) >= ls.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Stop flushes queued entries and stops the writer. It is safe to call
// more than once.
func (ls *LogService) Stop() {
	ls.stopOnce.Do(func() {
		ls.stopped.Store(true)
		close(ls.done)
		ls.wg.Wait()
		ls.logger.Info("log service stopped")
	})
}

// Lookup returns the log row for requestID.
func (ls *LogService) Lookup(ctx context.Context, requestID string) (*models.RequestLog, error) {
	return ls.repo.FindByRequestID(ctx, requestID)
}

// Prune deletes rows older than retention.
func (ls *LogService) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	deleted, err := ls.repo.DeleteBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		ls.logger.Info("pruned request logs", zap.Int64("count", deleted), zap.Duration("retention", retention))
	}
	return deleted, nil
}
